// Package server manages HTTP listener lifecycle: bounded accept via
// netutil.LimitListener, asynchronous serve with error reporting, and
// graceful shutdown on signal. The bot command uses one Manager for the
// API surface and one for the metrics endpoint.
package server
