// Package observability provides structured logging, Prometheus metrics,
// health probes and OpenTelemetry tracing for grantline.
//
// # Structured Logging
//
// Logger wraps logrus with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("resource", "document").Info("grant applied")
//
// Request-scoped loggers carry the request ID and authenticated user ID:
//
//	observability.FromContext(r.Context()).Warn("delegation denied")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordDecision("allow", "scoped", elapsed)
//
// A nil *Metrics is accepted everywhere and records nothing.
//
// # Health
//
// HealthChecker probes PostgreSQL and Redis concurrently. A Redis failure
// degrades readiness but never fails it.
//
// # Tracing
//
// InitOTel installs OTLP/gRPC trace and metric exporters. Engine operations
// open spans through StartSpan and close them with EndSpan.
package observability
