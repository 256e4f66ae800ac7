// Package worker defines the contract between the orchestrator and the
// backends that perform coding work, and the Dispatcher that serves that
// contract over the bus.
//
// The orchestrator publishes an Assignment on task.{run}.submitted. The
// Dispatcher starts a backend, advances it until it reports a terminal
// Status, disposes it, and publishes the TaskResult on task.{run}.working
// and then task.{run}.completed or task.{run}.failed.
package worker
