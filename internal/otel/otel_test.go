package otel

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"
)

func TestSetupOTelSDK_Disabled(t *testing.T) {
	shutdown, err := SetupOTelSDK(context.Background(), "ec2runner", Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewResource_MergesWithSDKDefault(t *testing.T) {
	res, err := newResource("ec2runner")
	require.NoError(t, err)

	assert.Equal(t, resource.Default().SchemaURL(), res.SchemaURL())
	assert.Equal(t, semconv.SchemaURL, res.SchemaURL())

	name, ok := res.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "ec2runner", name.AsString())
}

func TestSetupOTelSDK_PushesOnShutdown(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		body  strings.Builder
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		body.Write(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	shutdown, err := SetupOTelSDK(ctx, "ec2runner", Config{PushgatewayURL: srv.URL})
	require.NoError(t, err)

	counter, err := otel.Meter("test").Int64Counter("launch.attempts")
	require.NoError(t, err)
	counter.Add(ctx, 2)

	require.NoError(t, shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.Equal(t, "PUT /metrics/job/ec2runner", paths[0])
	assert.NotZero(t, body.Len())
}

func TestSetupOTelSDK_PushFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx := context.Background()
	shutdown, err := SetupOTelSDK(ctx, "ec2runner", Config{PushgatewayURL: srv.URL})
	require.NoError(t, err)

	err = shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), srv.URL)
}
