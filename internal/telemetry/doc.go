// Package telemetry builds the OpenTelemetry tracer and meter providers
// for evolvd.
//
// When telemetry is disabled the global no-op providers are used, so
// instrumented code never checks whether telemetry is on. Provider
// failures degrade the instance instead of failing startup.
//
//	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Tests use NewTestTelemetry, which records spans in memory and collects
// metrics through a manual reader.
package telemetry
