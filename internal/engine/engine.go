// Package engine defines the abstraction for compute backends that host
// a single ephemeral GitHub Actions runner. Each backend (EC2, GCP,
// Docker) implements the Engine interface so the provisioner remains
// compute-agnostic.
package engine

import "context"

// LaunchSpec describes one attempt at creating a runner instance.
type LaunchSpec struct {
	// Name is the runner label.  Backends that name their resources
	// (GCP VMs, Docker containers) use it as the resource name; EC2
	// records it in the Name tag.
	Name string

	// Subnet is the network placement for this attempt.  Empty means
	// "let the provider choose".
	Subnet string

	// UserData is the base64-encoded startup script.
	UserData string
}

// Engine is the contract every compute backend must satisfy.
//
// The runner is strictly ephemeral: the instance boots, registers a
// single-job runner, and is terminated by a later pipeline step.  The
// lifecycle is:
//
//	Launch → WaitRunning → (job runs) → Terminate
//
// Engines never retry internally; the provisioner decides what to do
// with a failed call.  The returned id is opaque to callers -- it may be
// an EC2 instance ID, a GCP instance name, or a Docker container ID.
type Engine interface {
	// Launch makes exactly one attempt at creating an instance in
	// spec.Subnet and returns its id.
	Launch(ctx context.Context, spec LaunchSpec) (id string, err error)

	// WaitRunning blocks until the instance reports a running state,
	// the backend's wait timeout elapses, or ctx is done.
	WaitRunning(ctx context.Context, id string) error

	// Terminate permanently destroys the instance -- never merely
	// stops it.
	Terminate(ctx context.Context, id string) error

	// Close releases the backend's client handles.
	Close() error
}
