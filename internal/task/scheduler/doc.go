// Package scheduler turns registrations into triggers: cron expressions for
// recurring work and one-shot timers for absolute instants. Triggered work
// is handed to an Executor (the task engine); the scheduler never runs job
// bodies itself.
//
// Every registration is keyed by name. Registering an existing name replaces
// it, and Remove(name) guarantees the previous trigger will not enqueue.
package scheduler
