// Package duet defines the core interfaces, types, and helpers used across the duet codebase.
// It provides the coordinated transaction model, participant store contracts, configuration
// options, and shared error codes. Concrete backends live in subpackages such as neo4j,
// postgres, cassandra, sqlite and redis, while the transaction engine itself lives in the
// coordinator subpackage.
// It is designed to be extensible and modular, allowing graph and relational drivers
// to be swapped while sharing a common interface.
// This package is a foundational package that other components build upon.
//
// See the database package for the wiring of a ready-to-use coordinated pair.
package duet

// Timeout model
//
// duet operations (notably transaction commits) are bounded by two timers:
//  1. The caller-provided context deadline/cancellation which propagates across subsystems.
//  2. An operation-specific maximum duration (e.g., transaction maxTime) used for internal safety
//     limits and lock TTLs.
//
// The effective commit duration is the earlier of the context deadline and the transaction's maxTime.
// Locks use the transaction maxTime as their TTL so that locks are safely released even if the caller's
// context is canceled. If recovery and cleanup should run within the caller's budget, prefer setting
// ctx.Deadline >= maxTime plus a small slack.
