/*
Package types defines the core data structures used throughout Otter.

This package contains the domain model of the autoscaling control plane:
scaling groups and their configurations, per-group mutable state, scaling
policies, webhooks with their execution capabilities, and schedule events.
It also defines the typed errors the core raises toward callers, and the
Clock abstraction used to drive scheduling in tests.

Types here are serialized to JSON when persisted; fields excluded from
persistence (row key components) carry a `json:"-"` tag.
*/
package types
