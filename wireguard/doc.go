// Package wireguard provides the domain components for managing a
// WireGuard interface: key generation, peer address allocation, the
// configuration file codec, the session dump parser, and the narrow
// driver port used to apply configuration and read live state.
//
// The package is deliberately leaf-level: it holds the data model and
// pure logic, and knows nothing about persistence or HTTP. The manager
// package composes these pieces into transactions.
//
// # Driver
//
// The running interface is controlled through the Driver interface,
// whose production implementation shells out to wg and wg-quick. The
// rendered configuration file is treated as a disposable projection of
// the registry: it is always safe to rebuild and reapply it.
package wireguard
