// Package logging provides structured logging for evolvd.
//
// # Overview
//
// The package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Dual output (stdout + OpenTelemetry via the otelzap bridge)
//   - Context field injection (trace_id, objective.id, run.state)
//   - Secret redaction at the encoder, backed by the secrets scanner
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithObjectiveID(ctx, obj.ID())
//	ctx = logging.WithRunState(ctx, "PLAN")
//	logger.Info(ctx, "plan drafted", zap.Int("steps", len(plan.Steps)))
//
// Components that do not need context correlation take a plain
// *zap.Logger; use Underlying to hand one out.
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "plan drafted")
//	tl.AssertLogged(t, zapcore.InfoLevel, "plan drafted")
package logging
