// Package telemetry provides observability instrumentation for polman.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process publisher for
// policy lifecycle events.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Components that do not receive a Telemetry use Nop(), which discards
// everything.
//
// # Structured Logging
//
//	tel.Logger.WithPolicy(p.ID, p.Name).Info("Policy activated")
//
// Library packages take a zerolog.Logger; Logger.Zerolog hands one out.
//
// # Tracing
//
// Lifecycle operations are wrapped in an Operation, which owns one span
// and records one metrics sample when it ends:
//
//	op := tel.StartOperation(ctx, "activate", id)
//	defer func() { op.End(err) }()
//
// Supported exporters: "otlp" (gRPC), "stdout" and "none".
//
// # Metrics
//
// Key metrics exposed (namespace "polman"):
//
//   - polman_policy_enforced{id,name,icos_*}: 1 enforced, 0 violated
//   - polman_policies{phase}
//   - polman_policy_operations_total{operation,outcome}
//   - polman_alerts_received_total{status}
//   - polman_violations_total{threshold}
//   - polman_enforcements_total{method,outcome}
//   - polman_backend_calls_total{operation}
//
// Metrics are served by the API under /metrics and, when
// MetricsConfig.ListenAddress is set, by a standalone server.
//
// # Events
//
// Every entry appended to a policy event log is also published:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    audit.Write(e)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
