// Package storage persists scaling groups, policies, webhooks and schedule
// events as wide-column rows in bbolt buckets.
//
// Every row is a map of column name to serialized column value, and the
// write primitive merges columns into whatever row already exists at the
// key. Blind writes therefore create partial rows, and a write racing a
// delete leaves a resurrected row behind. Two rules keep the data honest:
// every mutation reads the row before writing it, and view operations treat
// a group row without created_at as deleted, purging it on sight.
//
// Multi-row changes (create group with policies, delete policy with its
// webhooks and events) share one update transaction, so readers never see a
// torn batch.
package storage
