// Package middleware provides HTTP middleware for the synchronization
// server:
//   - OpenTelemetry distributed tracing for upgrade and API requests
//   - Prometheus request metrics
//
// Both are standard net/http middleware and compose with chi:
//
//	r := chi.NewRouter()
//	r.Use(middleware.OpenTelemetry())
//	r.Use(middleware.Prometheus())
//	r.Mount("/", srv.Handler())
//
// The tracer uses the global OpenTelemetry tracer provider. Configure it in
// your main() before starting the server.
package middleware
