// Package service runs the long-lived parts of chainapi (the submitter, the
// HTTP API and the Kafka processor) under one lifecycle. The Registry starts
// them after the services they depend on and stops them in reverse.
package service

import (
	"context"
)

// Status is the lifecycle state a service reports to the registry.
type Status string

const (
	// StatusStopped is the state before Start and after Stop.
	StatusStopped Status = "STOPPED"
	// StatusStarting is reported while Start runs, e.g. while the
	// submitter dials the node.
	StatusStarting Status = "STARTING"
	// StatusRunning means the service accepts work.
	StatusRunning Status = "RUNNING"
	// StatusStopping is reported while Stop drains in-flight work.
	StatusStopping Status = "STOPPING"
	// StatusError means Start failed or a background loop gave up.
	StatusError Status = "ERROR"
)

// Service is one unit managed by the Registry.
type Service interface {
	// Name is the unique registry key, also used by Dependencies.
	Name() string

	// Start brings the service up and returns once it accepts work.
	// Background loops run on their own goroutines and outlive ctx.
	Start(ctx context.Context) error

	// Stop shuts the service down within ctx. The submitter closes its
	// node connection here, which resolves every watched extrinsic.
	Stop(ctx context.Context) error

	// Status returns the current lifecycle state.
	Status() Status

	// Health returns nil while the service is able to serve. The registry
	// waits for it after Start and the /health route reports it.
	Health() error

	// Dependencies names the services that must be running first.
	Dependencies() []string
}
