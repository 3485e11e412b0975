package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"voxrelay/internal/domain"
	"voxrelay/internal/history"
	"voxrelay/internal/observe"
	"voxrelay/internal/ports"
)

// RouteResult is the outcome of routing one utterance.
type RouteResult struct {
	Utterance string
	Response  domain.Response
	Source    domain.RouteSource
	Entry     domain.HistoryEntry
}

// Router sends an utterance to the command parser, falling back to the
// conversational agent when the parser returns domain.AgentSentinel.
type Router struct {
	parser  ports.Parser
	agent   ports.Agent
	ledger  *history.Ledger
	metrics *observe.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithClock overrides the wall clock used for history timestamps.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		r.now = now
	}
}

func WithRouterMetrics(m *observe.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

func NewRouter(parser ports.Parser, agent ports.Agent, ledger *history.Ledger, opts ...RouterOption) *Router {
	r := &Router{
		parser:  parser,
		agent:   agent,
		ledger:  ledger,
		metrics: observe.Noop(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route produces the response for text and records it in the ledger. Exactly
// one of the parser output or the agent answer becomes the response. On error
// nothing is recorded.
func (r *Router) Route(ctx context.Context, text string) (RouteResult, error) {
	ctx, span := r.metrics.Tracer.Start(ctx, "router.route")
	defer span.End()
	started := time.Now()

	parsed, err := r.parser.ParseSentence(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return RouteResult{}, fmt.Errorf("parse sentence: %w", err)
	}

	source := domain.RouteSourceCommand
	reply := parsed
	if parsed == domain.AgentSentinel {
		source = domain.RouteSourceAgent
		reply, err = r.agent.Ask(ctx, text)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "agent failed")
			return RouteResult{}, fmt.Errorf("ask agent: %w", err)
		}
	}
	span.SetAttributes(attribute.String("route.source", string(source)))

	entry := domain.HistoryEntry{
		Timestamp: r.now().Format(domain.HistoryTimeLayout),
		Utterance: text,
		Response:  reply,
	}
	if r.ledger.Record(entry) {
		r.logger.Debug("history entry overwritten", "key", entry.Key())
	}
	r.metrics.RecordRoute(ctx, string(source), time.Since(started))
	r.logger.Info("utterance routed", "source", source, "utterance", text, "response", reply)

	return RouteResult{
		Utterance: text,
		Response:  domain.Response{Text: reply},
		Source:    source,
		Entry:     entry,
	}, nil
}
