package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/evolvd/internal/budget"
	"github.com/fyrsmithlabs/evolvd/internal/secrets"
)

const instrumentationName = "github.com/fyrsmithlabs/evolvd/internal/oracle"

// GuardOptions configures a Guarded oracle.
type GuardOptions struct {
	// Timeout bounds each call. Zero means no per-call deadline.
	Timeout time.Duration

	// RateLimit is calls per second; zero disables limiting.
	RateLimit float64

	// Ledger is charged for every dispatched call. Optional.
	Ledger *budget.Ledger

	// Scanner redacts secrets from prompts before dispatch. Optional.
	Scanner *secrets.Scanner

	Logger *zap.Logger
	Meter  metric.Meter
}

// Guarded wraps an Oracle with rate limiting, a hard per-call timeout,
// prompt redaction and budget accounting.
type Guarded struct {
	next    Oracle
	opts    GuardOptions
	limiter *rate.Limiter
	logger  *zap.Logger

	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewGuarded wraps next.
func NewGuarded(next Oracle, opts GuardOptions) (*Guarded, error) {
	if next == nil {
		return nil, errors.New("oracle: next is required")
	}
	g := &Guarded{next: next, opts: opts, logger: opts.Logger}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var err error
	g.calls, err = meter.Int64Counter(
		"evolvd.oracle.calls.total",
		metric.WithDescription("Oracle calls by outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}
	g.duration, err = meter.Float64Histogram(
		"evolvd.oracle.duration.seconds",
		metric.WithDescription("Oracle call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}

type reply struct {
	text string
	err  error
}

// Consume implements Oracle. Timeouts surface as ErrTimeout and empty
// replies as ErrMalformed. Cancellation of ctx is returned as ctx.Err().
// Once the ledger is over its cap no call is dispatched and the error
// wraps budget.ErrExceeded.
func (g *Guarded) Consume(ctx context.Context, prompt string, constraints []string) (string, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "oracle.Consume")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.opts.Ledger != nil && g.opts.Ledger.Exceeded() {
		g.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "budget")))
		span.SetStatus(codes.Error, "budget")
		return "", fmt.Errorf("%w: used %d of %d", budget.ErrExceeded, g.opts.Ledger.Used(), g.opts.Ledger.Cap())
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	if g.opts.Scanner != nil {
		prompt = g.opts.Scanner.Redact(prompt)
	}

	callCtx := ctx
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan reply, 1)
	go func() {
		text, err := g.next.Consume(callCtx, prompt, constraints)
		done <- reply{text, err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-callCtx.Done():
		r = reply{err: callCtx.Err()}
	}
	elapsed := time.Since(start)

	r.err = g.classify(ctx, r)
	g.charge(prompt, r.text, r.err)

	outcome := "ok"
	switch {
	case errors.Is(r.err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(r.err, ErrMalformed):
		outcome = "malformed"
	case r.err != nil:
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	g.calls.Add(ctx, 1, attrs)
	g.duration.Record(ctx, elapsed.Seconds(), attrs)
	span.SetAttributes(attribute.String("outcome", outcome), attribute.Int("prompt.bytes", len(prompt)))

	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, outcome)
		g.logger.Debug("oracle call failed", zap.String("outcome", outcome), zap.Duration("elapsed", elapsed), zap.Error(r.err))
		return "", r.err
	}
	g.logger.Debug("oracle call", zap.Duration("elapsed", elapsed), zap.Int("reply.bytes", len(r.text)))
	return r.text, nil
}

func (g *Guarded) classify(ctx context.Context, r reply) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(r.err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrTimeout, g.opts.Timeout)
	case r.err != nil:
		return r.err
	case strings.TrimSpace(r.text) == "":
		return fmt.Errorf("%w: empty reply", ErrMalformed)
	}
	return nil
}

// charge records the call against the ledger. The prompt is always
// charged once dispatched.
func (g *Guarded) charge(prompt, text string, callErr error) {
	if g.opts.Ledger == nil {
		return
	}
	if err := g.opts.Ledger.ConsumeText(prompt, text); errors.Is(err, budget.ErrExceeded) {
		g.logger.Warn("token budget exceeded",
			zap.Int64("used", g.opts.Ledger.Used()),
			zap.Int64("cap", g.opts.Ledger.Cap()),
			zap.Bool("call_failed", callErr != nil))
	}
}
