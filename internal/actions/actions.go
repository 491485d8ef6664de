// Package actions speaks the GitHub Actions runner's status protocol:
// workflow commands on stdout for warnings and errors, the
// $GITHUB_OUTPUT file for step outputs, and a failed flag that decides
// the process exit code.
package actions

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// OutputEnv names the file the runner reads step outputs from.
const OutputEnv = "GITHUB_OUTPUT"

// Enabled reports whether the process is running inside GitHub Actions.
func Enabled() bool {
	return os.Getenv("GITHUB_ACTIONS") == "true"
}

// ---------------------------------------------------------------------------
// Workflow command handler
// ---------------------------------------------------------------------------

// Handler is an slog.Handler that renders Warn and Error records as
// ::warning:: and ::error:: workflow commands so they surface as
// annotations on the run.  Lower levels are left to the regular
// handler it is fanned out with.
type Handler struct {
	mu     *sync.Mutex
	w      io.Writer
	attrs  []slog.Attr
	groups []string
}

// NewHandler returns a Handler writing to w.
func NewHandler(w io.Writer) *Handler {
	return &Handler{mu: &sync.Mutex{}, w: w}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn
}

// Handle implements slog.Handler.
func (h *Handler) Handle(_ context.Context, record slog.Record) error {
	command := "warning"
	if record.Level >= slog.LevelError {
		command = "error"
	}

	var b strings.Builder
	b.WriteString(record.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}
	record.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%s", h.qualify(a.Key), a.Value.String())
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.w, "::%s::%s\n", command, EscapeData(b.String()))
	return err
}

// WithAttrs implements slog.Handler.  Keys are qualified with the
// groups open at the time of the call.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: h.qualify(a.Key), Value: a.Value})
	}
	return &Handler{
		mu:     h.mu,
		w:      h.w,
		attrs:  merged,
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		mu:     h.mu,
		w:      h.w,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

func (h *Handler) qualify(key string) string {
	if len(h.groups) == 0 {
		return key
	}
	return strings.Join(h.groups, ".") + "." + key
}

// EscapeData escapes a workflow command message.
func EscapeData(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	s = strings.ReplaceAll(s, "\r", "%0D")
	return strings.ReplaceAll(s, "\n", "%0A")
}

// ---------------------------------------------------------------------------
// Reporter
// ---------------------------------------------------------------------------

// Reporter records step outputs and the overall run status.
type Reporter struct {
	logger     *slog.Logger
	outputPath string
	failed     atomic.Bool
}

// NewReporter creates a Reporter.  outputPath is usually
// os.Getenv(OutputEnv); when empty, outputs are only logged.
func NewReporter(logger *slog.Logger, outputPath string) *Reporter {
	return &Reporter{logger: logger, outputPath: outputPath}
}

// SetFailed logs msg at error level and marks the run as failed.  It
// does not stop the caller.
func (r *Reporter) SetFailed(msg string) {
	r.failed.Store(true)
	r.logger.Error(msg)
}

// Failed reports whether SetFailed was called.
func (r *Reporter) Failed() bool {
	return r.failed.Load()
}

// SetOutput publishes a step output.
func (r *Reporter) SetOutput(name, value string) error {
	r.logger.Info("step output", slog.String("name", name), slog.String("value", value))
	if r.outputPath == "" {
		return nil
	}

	f, err := os.OpenFile(r.outputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", OutputEnv, err)
	}
	defer f.Close()

	delim := "ghadelimiter_" + uuid.NewString()
	if _, err := fmt.Fprintf(f, "%s<<%s\n%s\n%s\n", name, delim, value, delim); err != nil {
		return fmt.Errorf("writing output %s: %w", name, err)
	}
	return nil
}
