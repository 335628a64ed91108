// Package types contains shared types used across the botflow framework:
// structured errors and error codes common to the engine, the remote
// transports, and the stores.
package types
