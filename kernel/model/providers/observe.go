package providers

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/refrain2333/Refrain/kernel/model"
)

const tracerName = "github.com/refrain2333/Refrain/kernel/model/providers"

// UsageRecord is one completed backend call.
type UsageRecord struct {
	Alias    string
	Provider string
	Model    string
	Op       string
	Usage    model.Usage
	Duration time.Duration
}

// UsageObserver receives accounting for every successful call.
type UsageObserver interface {
	ObserveUsage(context.Context, UsageRecord)
}

// TokenCounter estimates the prompt size of a transcript for request logs.
type TokenCounter func(modelName string, messages []model.Message) int

// deps are the collaborators shared by every backend a registry builds.
type deps struct {
	logger    *slog.Logger
	usage     UsageObserver
	counter   TokenCounter
	transport http.RoundTripper
}

// httpClient caps a whole request at timeout. Only unary calls use it.
func (d deps) httpClient(timeout time.Duration) *http.Client {
	timeout = orDefaultTimeout(timeout)
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(d.roundTripper(timeout)),
	}
}

// streamClient has no overall deadline: timeout bounds dialing and the wait
// for response headers, and the observer's idle watch bounds the gaps
// between events.
func (d deps) streamClient(timeout time.Duration) *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(d.roundTripper(orDefaultTimeout(timeout)))}
}

func (d deps) roundTripper(timeout time.Duration) http.RoundTripper {
	if d.transport != nil {
		return d.transport
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	t.ResponseHeaderTimeout = timeout
	return t
}

func orDefaultTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return defaultTimeout
	}
	return timeout
}

func (d deps) observer(cfg Config) *observer {
	logger := d.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &observer{
		alias:    cfg.Alias,
		provider: cfg.Provider,
		logger:   logger.With("provider", cfg.Provider, "alias", cfg.Alias),
		usage:    d.usage,
		counter:  d.counter,
		tracer:   otel.Tracer(tracerName),
		idle:     orDefaultTimeout(cfg.Timeout),
	}
}

type observer struct {
	alias    string
	provider string
	logger   *slog.Logger
	usage    UsageObserver
	counter  TokenCounter
	tracer   trace.Tracer
	idle     time.Duration
}

type call struct {
	obs     *observer
	op      string
	model   string
	span    trace.Span
	started time.Time
}

func (o *observer) start(ctx context.Context, op string, req *model.Request, modelName string) (context.Context, *call) {
	messages, tools := 0, 0
	if req != nil {
		messages, tools = len(req.Messages), len(req.Tools)
	}
	ctx, span := o.tracer.Start(ctx, "llm."+op, trace.WithAttributes(
		attribute.String("llm.provider", o.provider),
		attribute.String("llm.model", modelName),
		attribute.Int("llm.messages", messages),
		attribute.Int("llm.tools", tools),
	))
	attrs := []any{"op", op, "model", modelName, "messages", messages, "tools", tools}
	if o.counter != nil && req != nil {
		attrs = append(attrs, "prompt_tokens_est", o.counter(modelName, req.Messages))
	}
	o.logger.Info("model request", attrs...)
	if req != nil {
		o.logger.Debug("model request messages", "op", op, "messages", req.Messages)
	}
	return ctx, &call{obs: o, op: op, model: modelName, span: span, started: time.Now()}
}

func (c *call) done(ctx context.Context, usage model.Usage) {
	elapsed := time.Since(c.started)
	c.span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", usage.CompletionTokens),
		attribute.Int("llm.usage.reasoning_tokens", usage.ReasoningTokens),
	)
	c.span.End()
	c.obs.logger.Info("model response", "op", c.op, "model", c.model, "duration", elapsed, "usage", usage)
	if c.obs.usage != nil {
		c.obs.usage.ObserveUsage(ctx, UsageRecord{
			Alias:    c.obs.alias,
			Provider: c.obs.provider,
			Model:    c.model,
			Op:       c.op,
			Usage:    usage,
			Duration: elapsed,
		})
	}
}

func (c *call) fail(err error) error {
	if errors.Is(err, context.Canceled) {
		c.span.SetStatus(codes.Unset, "canceled")
		c.span.End()
		c.obs.logger.Info("model request canceled", "op", c.op, "model", c.model, "duration", time.Since(c.started))
		return err
	}
	c.span.RecordError(err)
	c.span.SetStatus(codes.Error, err.Error())
	c.span.End()
	c.obs.logger.Error("model request failed",
		"op", c.op,
		"model", c.model,
		"error_code", model.ErrorCodeOf(err),
		"error_type", errorTypeName(err),
		"error", err,
	)
	return err
}

func (c *call) abandon() {
	c.span.SetAttributes(attribute.Bool("llm.abandoned", true))
	c.span.End()
	c.obs.logger.Info("model stream abandoned by consumer", "op", c.op, "model", c.model)
}

// stream wraps a frame source with aggregation and instrumentation. The
// source is cancelled when no frame arrives within the idle timeout.
func (o *observer) stream(ctx context.Context, req *model.Request, modelName string, frames func(context.Context) iter.Seq2[*model.Frame, error]) iter.Seq2[*model.Fragment, error] {
	return func(yield func(*model.Fragment, error) bool) {
		ctx, c := o.start(ctx, "stream_chat", req, modelName)
		srcCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		watch := &idleWatch{timeout: o.idle, cancel: cancel}
		finished := false
		for frag, err := range model.Aggregate(watch.frames(frames(srcCtx))) {
			if err != nil {
				switch {
				case ctx.Err() != nil:
					err = ctx.Err()
				case errors.Is(context.Cause(srcCtx), errStreamIdle):
					err = model.WrapCodedError(model.ErrorCodeBackend, errStreamIdle, "providers: no stream event within %s", o.idle)
				}
				yield(nil, c.fail(err))
				return
			}
			if frag.Final {
				finished = true
				c.done(ctx, frag.Usage)
			}
			if !yield(frag, nil) {
				if !finished {
					c.abandon()
				}
				return
			}
		}
	}
}

var errStreamIdle = errors.New("providers: stream idle timeout")

// idleWatch cancels the frame source when it stalls. The timer only runs
// while the source is being read, so a slow consumer never trips it.
type idleWatch struct {
	timeout time.Duration
	cancel  context.CancelCauseFunc
	timer   *time.Timer
}

func (w *idleWatch) arm() {
	if w.timeout <= 0 {
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.timeout, func() { w.cancel(errStreamIdle) })
		return
	}
	w.timer.Reset(w.timeout)
}

func (w *idleWatch) disarm() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *idleWatch) frames(src iter.Seq2[*model.Frame, error]) iter.Seq2[*model.Frame, error] {
	return func(yield func(*model.Frame, error) bool) {
		defer w.disarm()
		w.arm()
		for frame, err := range src {
			w.disarm()
			if !yield(frame, err) {
				return
			}
			w.arm()
		}
	}
}

func errorTypeName(err error) string {
	var status *StatusError
	switch {
	case errors.As(err, &status):
		return "StatusError"
	case errors.Is(err, context.DeadlineExceeded):
		return "DeadlineExceeded"
	default:
		return "Error"
	}
}
