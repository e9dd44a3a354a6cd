package completion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/completer/internal/config"
	"github.com/comigor/completer/internal/llm"
)

// mockTransport replays the configured errors in order, then succeeds.
type mockTransport struct {
	errs     []error
	reply    string
	requests []llm.Request
}

func (m *mockTransport) Complete(_ context.Context, req llm.Request) (string, error) {
	m.requests = append(m.requests, req)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", err
	}
	return m.reply, nil
}

type recordingSleeper struct {
	waits []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func transient(kind llm.Kind, n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = &llm.Failure{Kind: kind, Err: fmt.Errorf("failure %d", i+1)}
	}
	return errs
}

func newTestCaller(tr llm.Transport) (*Caller, *recordingSleeper, *bytes.Buffer) {
	s := &recordingSleeper{}
	out := &bytes.Buffer{}
	return New(tr, config.Default(), WithSleeper(s.Sleep), WithProgress(out)), s, out
}

var conv = Conversation{
	{Role: RoleSystem, Content: "You are terse."},
	{Role: RoleUser, Content: "Say hi"},
}

func TestComplete_SucceedsFirstTry(t *testing.T) {
	tr := &mockTransport{reply: "hi"}
	c, s, out := newTestCaller(tr)

	got, err := c.Complete(context.Background(), conv)
	require.NoError(t, err)
	require.Equal(t, "hi", got)
	require.Len(t, tr.requests, 1)
	require.Empty(t, s.waits)
	require.Empty(t, out.String())
	require.Equal(t, conv, tr.requests[0].Messages)
}

func TestComplete_RetriesTransientThenSucceeds(t *testing.T) {
	all := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for n := 1; n < 5; n++ {
		t.Run(fmt.Sprintf("%d failures", n), func(t *testing.T) {
			tr := &mockTransport{errs: transient(llm.KindServerOverload, n), reply: "done"}
			c, s, _ := newTestCaller(tr)

			got, err := c.Complete(context.Background(), conv)
			require.NoError(t, err)
			require.Equal(t, "done", got)
			require.Len(t, tr.requests, n+1)
			require.Equal(t, all[:n], s.waits)
		})
	}
}

func TestComplete_ExhaustsRetries(t *testing.T) {
	errs := transient(llm.KindRateLimited, 5)
	tr := &mockTransport{errs: append([]error(nil), errs...), reply: "never"}
	c, s, out := newTestCaller(tr)

	_, err := c.Complete(context.Background(), conv)
	require.ErrorIs(t, err, errs[4])
	require.Len(t, tr.requests, 5)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, s.waits)
	require.Equal(t,
		"API temporarily unavailable (503/429), retrying in 2s (1/5)...\n"+
			"API temporarily unavailable (503/429), retrying in 4s (2/5)...\n"+
			"API temporarily unavailable (503/429), retrying in 8s (3/5)...\n"+
			"API temporarily unavailable (503/429), retrying in 16s (4/5)...\n",
		out.String())
}

func TestComplete_NonRetryableFailsImmediately(t *testing.T) {
	permanent := errors.New("invalid model")
	tr := &mockTransport{errs: []error{permanent}, reply: "never"}
	c, s, out := newTestCaller(tr)

	_, err := c.Complete(context.Background(), conv)
	require.ErrorIs(t, err, permanent)
	require.Len(t, tr.requests, 1)
	require.Empty(t, s.waits)
	require.Empty(t, out.String())
}

func TestComplete_PermanentFailureKindIsNotRetried(t *testing.T) {
	tr := &mockTransport{errs: []error{&llm.Failure{Kind: llm.KindPermanent, Err: errors.New("401")}}}
	c, s, _ := newTestCaller(tr)

	_, err := c.Complete(context.Background(), conv)
	require.Error(t, err)
	require.Len(t, tr.requests, 1)
	require.Empty(t, s.waits)
}

func TestComplete_PermanentAfterTransientStops(t *testing.T) {
	permanent := errors.New("bad request")
	tr := &mockTransport{errs: append(transient(llm.KindConnection, 2), permanent)}
	c, s, _ := newTestCaller(tr)

	_, err := c.Complete(context.Background(), conv)
	require.ErrorIs(t, err, permanent)
	require.Len(t, tr.requests, 3)
	require.Len(t, s.waits, 2)
}

func TestComplete_ConnectionErrorProgressLine(t *testing.T) {
	tr := &mockTransport{errs: transient(llm.KindConnection, 1), reply: "ok"}
	c, _, out := newTestCaller(tr)

	_, err := c.Complete(context.Background(), conv)
	require.NoError(t, err)
	require.Equal(t, "API temporarily unavailable (connection error), retrying in 2s (1/5)...\n", out.String())
}

func TestComplete_DefaultModel(t *testing.T) {
	tr := &mockTransport{reply: "x"}
	c, _, _ := newTestCaller(tr)

	_, err := c.Complete(context.Background(), conv)
	require.NoError(t, err)
	require.Equal(t, config.DefaultModel, tr.requests[0].Model)

	_, err = c.Complete(context.Background(), conv, WithModel(""))
	require.NoError(t, err)
	require.Equal(t, config.DefaultModel, tr.requests[1].Model)
}

func TestComplete_ExplicitModel(t *testing.T) {
	tr := &mockTransport{reply: "x"}
	c, _, _ := newTestCaller(tr)

	_, err := c.Complete(context.Background(), conv, WithModel("gemini-1.5-flash"))
	require.NoError(t, err)
	require.Equal(t, "gemini-1.5-flash", tr.requests[0].Model)
}

func TestComplete_DoesNotMutateConversation(t *testing.T) {
	in := Conversation{{Role: RoleUser, Content: "a"}, {Role: RoleAssistant, Content: "b"}, {Role: RoleUser, Content: "c"}}
	snapshot := append(Conversation(nil), in...)
	tr := &mockTransport{errs: transient(llm.KindServerOverload, 2), reply: "x"}
	c, _, _ := newTestCaller(tr)

	_, err := c.Complete(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, snapshot, in)
	for _, req := range tr.requests {
		require.Equal(t, snapshot, req.Messages)
	}
}

func TestComplete_CanceledDuringBackoff(t *testing.T) {
	errs := transient(llm.KindServerOverload, 1)
	tr := &mockTransport{errs: append([]error(nil), errs...), reply: "x"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(tr, config.Default(), WithProgress(&bytes.Buffer{}))

	_, err := c.Complete(ctx, conv)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, errs[0])
	require.Len(t, tr.requests, 1)
}

func TestComplete_CustomRetryConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Retry = config.RetryConfig{MaxAttempts: 3, InitialBackoff: 100 * time.Millisecond, Multiplier: 3}
	tr := &mockTransport{errs: transient(llm.KindServerOverload, 3)}
	s := &recordingSleeper{}
	c := New(tr, cfg, WithSleeper(s.Sleep), WithProgress(&bytes.Buffer{}))

	_, err := c.Complete(context.Background(), conv)
	require.Error(t, err)
	require.Len(t, tr.requests, 3)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}, s.waits)
}

func TestBackoff(t *testing.T) {
	retry := config.Default().Retry
	for i := 0; i < 5; i++ {
		want := time.Duration(2*(1<<i)) * time.Second
		require.Equal(t, want, Backoff(retry, i), "attempt %d", i)
	}
}

func TestBackoff_SaturatesAtMax(t *testing.T) {
	retry := config.RetryConfig{MaxAttempts: 100, InitialBackoff: time.Second, Multiplier: 1 << 20}
	require.Equal(t, config.MaxBackoff, Backoff(retry, 3))
	require.Equal(t, config.MaxBackoff, Backoff(retry, 90))
	require.Equal(t, time.Second, Backoff(retry, 0))
}

// transitionLog collects the states a call passes through.
type transitionLog struct {
	steps []Transition
}

func (l *transitionLog) record(tr Transition) { l.steps = append(l.steps, tr) }

func (l *transitionLog) last() string {
	if len(l.steps) == 0 {
		return StateAttempting
	}
	return l.steps[len(l.steps)-1].To
}

func newObservedCaller(tr llm.Transport) (*Caller, *transitionLog) {
	log := &transitionLog{}
	s := &recordingSleeper{}
	return New(tr, config.Default(), WithSleeper(s.Sleep), WithProgress(&bytes.Buffer{}), WithTransitions(log.record)), log
}

func TestComplete_Transitions(t *testing.T) {
	retry := func(from, to, trigger string) Transition { return Transition{From: from, To: to, Trigger: trigger} }
	waitAndRetry := []Transition{
		retry(StateAttempting, StateWaitingToRetry, triggerTransientFailure),
		retry(StateWaitingToRetry, StateAttempting, triggerBackoffElapsed),
	}

	tests := []struct {
		name     string
		errs     []error
		wantErr  bool
		terminal string
		steps    []Transition
	}{
		{
			name:     "success",
			terminal: StateReturned,
			steps:    []Transition{retry(StateAttempting, StateReturned, triggerSucceeded)},
		},
		{
			name:     "success after one retry",
			errs:     transient(llm.KindRateLimited, 1),
			terminal: StateReturned,
			steps:    append(append([]Transition(nil), waitAndRetry...), retry(StateAttempting, StateReturned, triggerSucceeded)),
		},
		{
			name:     "permanent failure",
			errs:     []error{errors.New("unauthorized")},
			wantErr:  true,
			terminal: StateFailed,
			steps:    []Transition{retry(StateAttempting, StateFailed, triggerFailed)},
		},
		{
			name:     "retries exhausted",
			errs:     transient(llm.KindServerOverload, 5),
			wantErr:  true,
			terminal: StateFailed,
			steps: func() []Transition {
				var steps []Transition
				for range 4 {
					steps = append(steps, waitAndRetry...)
				}
				return append(steps, retry(StateAttempting, StateFailed, triggerTransientFailure))
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, log := newObservedCaller(&mockTransport{errs: tt.errs, reply: "ok"})
			_, err := c.Complete(context.Background(), conv)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.terminal, log.last())
			require.Equal(t, tt.steps, log.steps)
		})
	}
}

func TestComplete_SingleAttemptFailsWithoutWaiting(t *testing.T) {
	cfg := config.Default()
	cfg.Retry.MaxAttempts = 1
	log := &transitionLog{}
	s := &recordingSleeper{}
	tr := &mockTransport{errs: transient(llm.KindConnection, 1)}
	c := New(tr, cfg, WithSleeper(s.Sleep), WithProgress(&bytes.Buffer{}), WithTransitions(log.record))

	_, err := c.Complete(context.Background(), conv)
	require.Error(t, err)
	require.Len(t, tr.requests, 1)
	require.Empty(t, s.waits)
	require.Equal(t, []Transition{{From: StateAttempting, To: StateFailed, Trigger: triggerTransientFailure}}, log.steps)
}

func TestComplete_RetriesClientTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"late but fine"},"finish_reason":"stop"}]}`))
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.LLM.BaseURL = srv.URL
	cfg.LLM.Timeout = 50 * time.Millisecond
	s := &recordingSleeper{}
	out := &bytes.Buffer{}
	c := New(llm.NewOpenAITransport(llm.NewClient(cfg.LLM)), cfg, WithSleeper(s.Sleep), WithProgress(out))

	got, err := c.Complete(context.Background(), conv)
	require.NoError(t, err)
	require.Equal(t, "late but fine", got)
	require.EqualValues(t, 2, hits.Load())
	require.Equal(t, []time.Duration{2 * time.Second}, s.waits)
	require.Contains(t, out.String(), "(connection error)")
}

func TestSleep_HonoursContext(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
