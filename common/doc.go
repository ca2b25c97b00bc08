// Package common provides shared constants, errors, and logging
// used throughout the wg-manager service.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: service-wide defaults like timeouts, file names, and ports
//   - Errors: sentinel errors for consistent error handling across packages
//   - Logger: structured logging with file output and rotation
//   - Utils: small helpers for file and path handling
//
// # Usage
//
// Import the package to access shared functionality:
//
//	import "github.com/yllada/wg-manager/common"
//
//	// Use constants
//	port := common.DefaultListenPort
//
//	// Use logger
//	common.LogInfo("peer %q created", name)
//
//	// Check errors
//	if errors.Is(err, common.ErrNotFound) {
//	    // Handle missing peer
//	}
package common
