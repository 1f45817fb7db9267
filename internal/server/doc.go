// Package server hosts the Fiber HTTP service that fronts the interception
// layer. It resolves every incoming request to an absolute target URL (either
// the application's own Origin or a forward-proxied host), waits for the
// lifecycle controller to become active, and hands the request to an
// Interceptor that always produces a response. Diagnostics live under /-/
// and are registered by the routes subpackage.
package server
