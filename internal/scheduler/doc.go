// Package scheduler runs periodic tasks.
//
// A Scheduler keeps a registry of tasks addressed by id and a pending list of
// ids waiting for admission. AddTask only registers and queues; the admission
// loop, a worker of its own, is the single place tasks are started. Period
// updates are bracketed by pause/resume and serialized with cancellation per
// task, so unrelated tasks never wait on each other.
//
// Shutdown order matters: ReleaseContext cancels every task before stopping
// the admission loop and closing the metrics sink.
package scheduler
