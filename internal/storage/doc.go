// Package storage holds the shared state of the rotation engine: the item
// catalog with its reservation leases, per-user watch state, per-user rate
// state and the ban list.
//
// Two drivers exist:
//   - "memory": process-local tables, for single-instance deployments and tests
//   - "sqlite": a database file shared by every bot process on the host
//
// Every state transition that guards against double delivery is a single
// compare-and-set at the store, never an application-level check.
package storage
