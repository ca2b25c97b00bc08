// Package manager implements the reconciler that keeps the peer
// registry, the rendered driver configuration, and the running
// interface consistent.
//
// # Architecture
//
// The package is organized around one type:
//
//   - Manager: owns the registry, the driver port, and the process-wide
//     mutation lock for the interface
//
// Every mutating operation (peer create, peer delete, interface
// initialization) runs under a single mutex: the configuration file and
// the live driver state are one shared resource with no native
// multi-writer control, and two unserialized creates could allocate the
// same address from the same snapshot. The registry's UNIQUE constraints
// act as a second line of defense; on a conflict the create recomputes
// its allocation and retries once.
//
// Read-only operations (list, get, metrics) take no lock so that
// frequent metrics polling is never blocked behind a mutation.
//
// # Ordering
//
// Mutations commit to the registry first and sync the driver second.
// The registry is the durable source of truth; the driver state is a
// cache that can always be rebuilt from it. A driver failure after the
// registry commit is therefore reported as a degraded success rather
// than rolled back.
package manager
