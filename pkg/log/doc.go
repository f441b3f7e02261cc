/*
Package log provides structured logging for Otter built on zerolog.

Init configures a global logger once at process start; components derive
child loggers with WithComponent, and request paths bind tenant_id,
group_id, policy_id and txn_id fields so a single policy execution can be
traced across the scheduler, the controller and the worker.
*/
package log
