// Package completion submits conversations to a chat completion endpoint and
// hides transient infrastructure failures behind bounded exponential backoff.
package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/completer/internal/config"
	"github.com/comigor/completer/internal/llm"
	"github.com/comigor/completer/internal/logger"
)

type (
	Role         = llm.Role
	Message      = llm.Message
	Conversation = []llm.Message
)

const (
	RoleSystem    = llm.RoleSystem
	RoleUser      = llm.RoleUser
	RoleAssistant = llm.RoleAssistant
)

// Call states. Returned and Failed are terminal.
const (
	StateAttempting     = "Attempting"
	StateWaitingToRetry = "WaitingToRetry"
	StateReturned       = "Returned"
	StateFailed         = "Failed"
)

const (
	triggerSucceeded        = "Succeeded"
	triggerTransientFailure = "TransientFailure"
	triggerBackoffElapsed   = "BackoffElapsed"
	triggerFailed           = "Failed"
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Caller performs completion calls with retries.
type Caller struct {
	transport llm.Transport
	model     string
	retry     config.RetryConfig
	sleep     Sleeper
	progress  io.Writer
	observe   func(Transition)
}

// Option customises a Caller.
type Option func(*Caller)

// WithSleeper replaces the function used to wait between attempts.
func WithSleeper(s Sleeper) Option {
	return func(c *Caller) { c.sleep = s }
}

// WithProgress sets where retry progress lines are printed. Defaults to stdout.
func WithProgress(w io.Writer) Option {
	return func(c *Caller) { c.progress = w }
}

// Transition is one step of a call through its states.
type Transition struct {
	From    string
	To      string
	Trigger string
}

// WithTransitions registers fn to be told about every state change of every call.
func WithTransitions(fn func(Transition)) Option {
	return func(c *Caller) { c.observe = fn }
}

// New creates a Caller that sends requests through transport.
func New(transport llm.Transport, cfg config.Config, opts ...Option) *Caller {
	c := &Caller{
		transport: transport,
		model:     cfg.LLM.Model,
		retry:     cfg.Retry,
		sleep:     Sleep,
		progress:  os.Stdout,
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallOption adjusts a single Complete call.
type CallOption func(*callOptions)

type callOptions struct {
	model string
}

// WithModel overrides the configured default model. An empty id keeps the default.
func WithModel(id string) CallOption {
	return func(o *callOptions) { o.model = id }
}

// ResolveModel returns the model a call with opts would use.
func ResolveModel(defaultModel string, opts ...CallOption) string {
	o := callOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.model == "" {
		return defaultModel
	}
	return o.model
}

// Backoff returns the wait before the retry that follows attempt (0-based).
// It saturates at config.MaxBackoff.
func Backoff(retry config.RetryConfig, attempt int) time.Duration {
	d := min(retry.InitialBackoff, config.MaxBackoff)
	mult := time.Duration(max(retry.Multiplier, 1))
	for range attempt {
		if d > config.MaxBackoff/mult {
			return config.MaxBackoff
		}
		d *= mult
	}
	return d
}

// call holds the retry state of one Complete invocation.
type call struct {
	*Caller
	req     llm.Request
	attempt int
	backoff time.Duration
	kind    llm.Kind
	text    string
	err     error
	lastErr error
}

// Complete sends conv to the model and returns the text of the first choice.
// Transient failures are retried up to the configured attempt ceiling; any
// other failure is returned after the first request. conv is never modified.
func (c *Caller) Complete(ctx context.Context, conv Conversation, opts ...CallOption) (string, error) {
	cl := &call{
		Caller: c,
		req:    llm.Request{Model: ResolveModel(c.model, opts...), Messages: conv},
	}
	fsm := cl.machine()

	for {
		var trigger string
		switch state := fsm.MustState(); state {
		case StateAttempting:
			trigger = cl.attemptOnce(ctx)
		case StateWaitingToRetry:
			trigger = cl.wait(ctx)
		case StateReturned:
			return cl.text, nil
		case StateFailed:
			return "", cl.err
		default:
			return "", fmt.Errorf("completion: unexpected state %v", state)
		}
		if err := fsm.FireCtx(ctx, trigger); err != nil {
			logger.L.Error("FSM fire error", "trigger", trigger, "error", err)
			return "", errors.Join(fmt.Errorf("completion: %w", err), cl.err)
		}
	}
}

// machine wires the call's states. A transient failure leads to
// WaitingToRetry only while attempts remain; otherwise it ends in Failed.
func (cl *call) machine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateAttempting)
	fsm.Configure(StateAttempting).
		OnEntryFrom(triggerBackoffElapsed, func(context.Context, ...any) error {
			cl.attempt++
			return nil
		}).
		Permit(triggerSucceeded, StateReturned).
		Permit(triggerTransientFailure, StateWaitingToRetry, cl.retriesLeft).
		Permit(triggerTransientFailure, StateFailed, cl.exhausted).
		Permit(triggerFailed, StateFailed)
	fsm.Configure(StateWaitingToRetry).
		OnEntry(cl.announceRetry).
		Permit(triggerBackoffElapsed, StateAttempting).
		Permit(triggerFailed, StateFailed)
	fsm.Configure(StateFailed).
		OnEntry(func(context.Context, ...any) error {
			logger.L.Error("completion failed", "model", cl.req.Model, "attempts", cl.attempt+1, "kind", cl.kind.String(), "error", cl.err)
			return nil
		})
	fsm.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		logger.L.Debug("completion state", "from", tr.Source, "to", tr.Destination, "trigger", tr.Trigger)
		if cl.observe != nil {
			cl.observe(Transition{From: fmt.Sprint(tr.Source), To: fmt.Sprint(tr.Destination), Trigger: fmt.Sprint(tr.Trigger)})
		}
	})
	return fsm
}

func (cl *call) retriesLeft(context.Context, ...any) bool {
	return cl.attempt < cl.retry.MaxAttempts-1
}

func (cl *call) exhausted(ctx context.Context, args ...any) bool {
	return !cl.retriesLeft(ctx, args...)
}

func (cl *call) attemptOnce(ctx context.Context) string {
	text, err := cl.transport.Complete(ctx, cl.req)
	if err == nil {
		cl.text = text
		return triggerSucceeded
	}
	cl.kind = llm.KindOf(err)
	cl.err = err
	if !cl.kind.Transient() {
		return triggerFailed
	}
	cl.lastErr = err
	return triggerTransientFailure
}

func (cl *call) announceRetry(context.Context, ...any) error {
	cl.backoff = Backoff(cl.retry, cl.attempt)
	logger.L.Warn("transient completion failure", "model", cl.req.Model, "kind", cl.kind.String(), "attempt", cl.attempt+1, "backoff", cl.backoff, "error", cl.lastErr)
	fmt.Fprintf(cl.progress, "API temporarily unavailable (%s), retrying in %.0fs (%d/%d)...\n",
		cl.kind.Category(), cl.backoff.Seconds(), cl.attempt+1, cl.retry.MaxAttempts)
	return nil
}

func (cl *call) wait(ctx context.Context) string {
	if err := cl.sleep(ctx, cl.backoff); err != nil {
		cl.err = errors.Join(err, cl.lastErr)
		return triggerFailed
	}
	return triggerBackoffElapsed
}
