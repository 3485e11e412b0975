package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"voxrelay/internal/domain"
	"voxrelay/internal/history"
	"voxrelay/internal/observe"
)

func TestRouterUsesExactlyOneSource(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		text       string
		replies    map[string]string
		answer     string
		wantReply  string
		wantSource domain.RouteSource
		wantAsked  []string
	}{
		{
			name:       "command",
			text:       "turn off the light",
			replies:    map[string]string{"turn off the light": "Light off."},
			answer:     "unused",
			wantReply:  "Light off.",
			wantSource: domain.RouteSourceCommand,
		},
		{
			name:       "sentinel forwards original text",
			text:       "tell me a joke",
			answer:     "Why did the chicken...",
			wantReply:  "Why did the chicken...",
			wantSource: domain.RouteSourceAgent,
			wantAsked:  []string{"tell me a joke"},
		},
		{
			name:       "empty command reply is kept",
			text:       "mute",
			replies:    map[string]string{"mute": ""},
			answer:     "unused",
			wantReply:  "",
			wantSource: domain.RouteSourceCommand,
		},
		{
			name:       "empty utterance",
			text:       "",
			answer:     "Say again?",
			wantReply:  "Say again?",
			wantSource: domain.RouteSourceAgent,
			wantAsked:  []string{""},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			agent := &fakeAgent{answer: tc.answer}
			router := NewRouter(&fakeParser{replies: tc.replies}, agent, history.NewLedger(), WithClock(fixedClock))

			result, err := router.Route(context.Background(), tc.text)
			require.NoError(t, err)
			assert.Equal(t, tc.wantReply, result.Response.Text)
			assert.Equal(t, tc.wantSource, result.Source)
			assert.Equal(t, tc.wantAsked, agent.snapshotAsked())
		})
	}
}

func TestRouterRecordsHistory(t *testing.T) {
	t.Parallel()

	ledger := history.NewLedger()
	router := NewRouter(&fakeParser{}, &fakeAgent{answer: "Hi there."}, ledger, WithClock(fixedClock))

	result, err := router.Route(context.Background(), "hello")
	require.NoError(t, err)

	want := domain.HistoryEntry{Timestamp: "14:03:09", Utterance: "hello", Response: "Hi there."}
	assert.Equal(t, want, result.Entry)
	assert.Equal(t, []domain.HistoryEntry{want}, ledger.Entries())
}

func TestRouterSameSecondOverwrites(t *testing.T) {
	t.Parallel()

	ledger := history.NewLedger()
	agent := &fakeAgent{answer: "first"}
	router := NewRouter(&fakeParser{}, agent, ledger, WithClock(fixedClock))

	_, err := router.Route(context.Background(), "hello")
	require.NoError(t, err)
	agent.answer = "second"
	_, err = router.Route(context.Background(), "hello")
	require.NoError(t, err)

	entries := ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "second", entries[0].Response)
}

func TestRouterNextSecondAppends(t *testing.T) {
	t.Parallel()

	now := fixedTime
	ledger := history.NewLedger()
	router := NewRouter(&fakeParser{}, &fakeAgent{answer: "x"}, ledger, WithClock(func() time.Time { return now }))

	_, err := router.Route(context.Background(), "hello")
	require.NoError(t, err)
	now = now.Add(time.Second)
	_, err = router.Route(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, 2, ledger.Len())
}

func TestRouterErrorsAreWrappedAndNotRecorded(t *testing.T) {
	t.Parallel()

	parseErr := errors.New("grammar exploded")
	agentErr := errors.New("agent offline")

	ledger := history.NewLedger()
	router := NewRouter(&fakeParser{err: parseErr}, &fakeAgent{}, ledger)
	_, err := router.Route(context.Background(), "x")
	require.ErrorIs(t, err, parseErr)

	router = NewRouter(&fakeParser{}, &fakeAgent{err: agentErr}, ledger)
	_, err = router.Route(context.Background(), "x")
	require.ErrorIs(t, err, agentErr)

	assert.Zero(t, ledger.Len())
}

func TestRouterTracesRoute(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	metrics, err := observe.NewMetrics(noop.NewMeterProvider(), tp)
	require.NoError(t, err)

	router := NewRouter(&fakeParser{}, &fakeAgent{answer: "ok"}, history.NewLedger(), WithRouterMetrics(metrics))
	_, err = router.Route(context.Background(), "hello")
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "router.route", spans[0].Name())

	var source string
	for _, attr := range spans[0].Attributes() {
		if attr.Key == "route.source" {
			source = attr.Value.AsString()
		}
	}
	assert.Equal(t, "agent", source)
}
