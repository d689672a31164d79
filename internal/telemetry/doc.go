// Package telemetry provides OpenTelemetry instrumentation for recalld.
//
// # Overview
//
// This package implements distributed tracing and metrics collection using
// the OpenTelemetry Go SDK. It exports telemetry data to an OTEL Collector
// over OTLP (gRPC by default, http/protobuf optional).
//
// # Usage
//
// Create telemetry instance:
//
//	cfg := telemetry.FromApp(appCfg.Telemetry)
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(ctx)
//
// Use tracer and meter:
//
//	tracer := tel.Tracer("recalld.service")
//	ctx, span := tracer.Start(ctx, "memory.store")
//	defer span.End()
//
//	meter := tel.Meter("recalld.service")
//	counter, _ := meter.Int64Counter("memory.stores")
//	counter.Add(ctx, 1)
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  otlp_endpoint: "localhost:4317"
//	  service_name: "recalld"
//	  insecure: true
//
// # Error Handling
//
// Telemetry failures do not crash the application. If telemetry cannot be
// initialized, the instance degrades gracefully and returns no-op providers.
//
// # Testing
//
// Use TestTelemetry for tests:
//
//	tt := telemetry.NewTestTelemetry()
//	tracer := tt.Tracer("test")
//	_, span := tracer.Start(ctx, "test-span")
//	span.End()
//	tt.AssertSpanExists(t, "test-span")
package telemetry
