package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"golang.org/x/time/rate"

	"github.com/lexchat/lexchat/internal/log"
)

// State is the caller-visible phase of a session.
type State string

const (
	StateIdle           State = "idle"
	StateValidating     State = "validating"
	StateSending        State = "sending"
	StateStreaming      State = "streaming"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateRetryScheduled State = "retry_scheduled"
)

// Triggers driving the session state machine.
type trigger string

const (
	triggerValidate trigger = "validate"
	triggerReject   trigger = "reject"
	triggerBusy     trigger = "busy"
	triggerDispatch trigger = "dispatch"
	triggerChunk    trigger = "chunk"
	triggerComplete trigger = "complete"
	triggerFail     trigger = "fail"
	triggerSchedule trigger = "schedule"
	triggerReset    trigger = "reset"
)

// newSessionFSM encodes the permitted transitions. Anything not listed here
// is a bug, surfaced by the transition helper rather than silently applied.
func newSessionFSM() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(triggerValidate, StateValidating).
		PermitReentry(triggerReset)

	fsm.Configure(StateValidating).
		Permit(triggerReject, StateFailed).
		Permit(triggerBusy, StateFailed).
		Permit(triggerDispatch, StateSending).
		Permit(triggerReset, StateIdle)

	fsm.Configure(StateSending).
		Permit(triggerChunk, StateStreaming).
		Permit(triggerComplete, StateCompleted).
		Permit(triggerFail, StateFailed).
		Permit(triggerReset, StateIdle)

	fsm.Configure(StateStreaming).
		Permit(triggerComplete, StateCompleted).
		Permit(triggerFail, StateFailed).
		Permit(triggerReset, StateIdle)

	fsm.Configure(StateCompleted).
		Permit(triggerValidate, StateValidating).
		Permit(triggerReset, StateIdle)

	fsm.Configure(StateFailed).
		Permit(triggerValidate, StateValidating).
		Permit(triggerSchedule, StateRetryScheduled).
		Permit(triggerReset, StateIdle)

	fsm.Configure(StateRetryScheduled).
		Permit(triggerValidate, StateValidating).
		Permit(triggerFail, StateFailed).
		Permit(triggerReset, StateIdle)

	return fsm
}

// DefaultMaxHistory bounds conversation length when the caller does not
// configure one.
const DefaultMaxHistory = 50

// Options is the per-session configuration surface.
type Options struct {
	// MultiTurn keeps history across sends. When false, every accepted
	// send starts from the configured seed again.
	MultiTurn bool

	// SystemPrompt seeds the conversation with a system message and is
	// transmitted as the provider's system instruction.
	SystemPrompt string

	// AutoRetry schedules bounded automatic resends on retryable failures.
	AutoRetry bool

	// MaxHistory bounds the conversation length (system messages exempt).
	MaxHistory int

	// RequestTimeout bounds one generation attempt. Zero disables the
	// timeout; a hung call then holds the gate until Clear cancels it.
	RequestTimeout time.Duration

	// Retry is the backoff schedule; Retry.MaxRetries also caps manual
	// retries.
	Retry RetryPolicy

	// Generation is passed through to the provider on every call.
	Generation GenerationParams
}

// withDefaults fills unset option fields.
func (o Options) withDefaults() Options {
	if o.MaxHistory <= 0 {
		o.MaxHistory = DefaultMaxHistory
	}
	if o.Retry.BaseDelay <= 0 {
		o.Retry.BaseDelay = DefaultBaseDelay
	}
	if o.Retry.MaxDelay <= 0 {
		o.Retry.MaxDelay = DefaultMaxDelay
	}
	if o.Retry.MaxRetries < 0 {
		o.Retry.MaxRetries = 0
	}
	return o
}

// SessionConfig carries the session dependencies.
type SessionConfig struct {
	// Streamer is the generation client. May be nil when the provider is
	// not configured; the session then reports Ready() == false and every
	// send fails with KindAPIKeyMissing.
	Streamer Streamer

	Validator *Validator       // nil selects the default deny list
	Limiter   *rate.Limiter    // optional proactive provider rate limit
	Breaker   *CircuitBreaker  // nil selects default thresholds
	Logger    log.Logger       // nil selects a no-op logger
	Options   Options
}

// Session owns one conversation and orchestrates validation, gating,
// streaming, failure classification and retries for it.
//
// At most one generation call is in flight per session, enforced by the
// gate; a second Send while one is outstanding fails fast with
// KindSessionBusy and leaves all session state untouched.
type Session struct {
	id        uuid.UUID
	opts      Options
	streamer  Streamer
	validator *Validator
	limiter   *rate.Limiter
	breaker   *CircuitBreaker
	logger    log.Logger

	conv *Conversation
	gate *Gate
	fsm  *stateless.StateMachine

	mu            sync.Mutex
	partial       string
	lastAttempted string
	attempts      int
	lastErr       *Error
	run           *runHandle    // cancellation for the active Send/Retry, nil when none
	wake          chan struct{} // closes to fire a scheduled retry early

	running sync.WaitGroup // tracks the active Send/Retry for Clear
}

// runHandle identifies one accepted Send/Retry so a finished run never
// clears a successor's registration.
type runHandle struct {
	cancel context.CancelFunc
}

// NewSession creates a session seeded with the configured system prompt.
func NewSession(id uuid.UUID, cfg SessionConfig) *Session {
	opts := cfg.Options.withDefaults()

	validator := cfg.Validator
	if validator == nil {
		validator = MustValidator(ValidatorConfig{})
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = NewCircuitBreaker(DefaultCircuitBreakerConfig())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	s := &Session{
		id:        id,
		opts:      opts,
		streamer:  cfg.Streamer,
		validator: validator,
		limiter:   cfg.Limiter,
		breaker:   breaker,
		logger:    logger.With("session_id", id.String()),
		gate:      &Gate{},
		fsm:       newSessionFSM(),
	}
	s.conv = NewConversation(s.seed()...)
	return s
}

// seed returns the initial conversation contents.
func (s *Session) seed() []Message {
	if s.opts.SystemPrompt == "" {
		return nil
	}
	return []Message{NewSystemMessage(s.opts.SystemPrompt)}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return s.fsm.MustState().(State)
}

// Ready reports whether the generation client is configured.
func (s *Session) Ready() bool { return s.streamer != nil }

// Messages returns a copy of the conversation.
func (s *Session) Messages() []Message { return s.conv.Snapshot() }

// PartialText returns the text streamed so far for the in-flight call.
// Empty outside Sending/Streaming; discarded on failure.
func (s *Session) PartialText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial
}

// LastError returns the terminal error of the most recent failed call,
// or nil.
func (s *Session) LastError() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// AttemptCount returns the number of attempts consumed for the current
// message. Resets to zero on every newly accepted send and on success.
func (s *Session) AttemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// CanRetry reports whether a manual Retry would be accepted.
func (s *Session) CanRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canRetryLocked()
}

func (s *Session) canRetryLocked() bool {
	if s.State() != StateFailed {
		return false
	}
	return s.lastErr != nil &&
		s.lastErr.Kind.Retryable() &&
		s.lastAttempted != "" &&
		s.attempts < s.opts.Retry.MaxRetries &&
		!s.gate.Held()
}

// transitionLocked fires a state machine trigger. Callers hold s.mu.
// An illegal transition is a programming error; it is logged and the
// state is left unchanged.
func (s *Session) transitionLocked(t trigger) {
	if err := s.fsm.Fire(t); err != nil {
		s.logger.Error("illegal session transition",
			"trigger", t,
			"state", s.fsm.MustState(),
			"error", err)
	}
}

// Send validates text and runs the generation pipeline, streaming chunks to
// fn (which may be nil for non-streaming use). It blocks until the call
// completes, fails terminally, or — with AutoRetry — exhausts its backoff
// schedule. The returned error is always a classified *Error.
func (s *Session) Send(ctx context.Context, text string, fn StreamFunc) error {
	s.mu.Lock()
	if !s.canAcceptLocked() {
		s.mu.Unlock()
		return &Error{Kind: KindSessionBusy, Message: "a generation call is already in flight"}
	}
	s.lastErr = nil
	// Registered in the same critical section that accepts the call, so a
	// concurrent Clear always sees the run and waits for it.
	runCtx, handle := s.beginRunLocked(ctx)
	s.transitionLocked(triggerValidate)
	s.mu.Unlock()
	defer s.endRun(handle)

	sanitized, err := s.validator.Validate(text)
	if err != nil {
		cerr := Classify(err)
		s.mu.Lock()
		s.lastErr = cerr
		s.transitionLocked(triggerReject)
		s.mu.Unlock()
		return cerr
	}

	s.mu.Lock()
	s.attempts = 0
	s.lastAttempted = sanitized
	if !s.opts.MultiTurn {
		s.conv.Reset(s.seed()...)
	}
	s.mu.Unlock()

	return s.deliver(runCtx, sanitized, fn)
}

// Retry resends the last attempted message immediately, bypassing backoff.
// While an automatic retry is pending it fires that retry early instead of
// starting a new cycle; the chunks then flow to the original Send's
// callback. When the retry preconditions do not hold, Retry is a no-op.
func (s *Session) Retry(ctx context.Context, fn StreamFunc) error {
	s.mu.Lock()
	if s.wake != nil {
		close(s.wake)
		s.wake = nil
		s.mu.Unlock()
		return nil
	}
	if !s.canRetryLocked() {
		s.mu.Unlock()
		return nil
	}
	text := s.lastAttempted
	s.attempts++
	s.lastErr = nil
	runCtx, handle := s.beginRunLocked(ctx)
	s.transitionLocked(triggerValidate)
	s.mu.Unlock()
	defer s.endRun(handle)

	return s.deliver(runCtx, text, fn)
}

// Clear cancels any in-flight call, waits for the gate to come back, and
// resets the session to its initial seed.
func (s *Session) Clear() {
	s.mu.Lock()
	handle := s.run
	s.mu.Unlock()

	if handle != nil {
		handle.cancel()
		s.running.Wait()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv.Reset(s.seed()...)
	s.lastErr = nil
	s.attempts = 0
	s.lastAttempted = ""
	s.partial = ""
	s.transitionLocked(triggerReset)
}

// AddMessage sanitizes externally produced text (OCR output, document
// analysis) and appends it as a model turn. Empty-after-sanitize input is a
// silent no-op. Rejected while a call is in flight, since the append would
// race the in-flight commit.
func (s *Session) AddMessage(text string) error {
	if s.gate.Held() {
		return &Error{Kind: KindSessionBusy, Message: "cannot add a message while a call is in flight"}
	}
	clean := s.validator.Sanitize(text)
	if clean == "" {
		return nil
	}
	s.conv.Append(NewModelMessage(clean))
	s.conv.Truncate(s.opts.MaxHistory)
	return nil
}

// canAcceptLocked reports whether a new send may start. Only resting states
// accept; a scheduled retry still counts as an outstanding call.
func (s *Session) canAcceptLocked() bool {
	switch s.State() {
	case StateIdle, StateCompleted, StateFailed:
		return !s.gate.Held()
	default:
		return false
	}
}

// beginRunLocked sets up cancellation bookkeeping for an accepted call.
// Callers hold s.mu.
func (s *Session) beginRunLocked(ctx context.Context) (context.Context, *runHandle) {
	runCtx, cancel := context.WithCancel(ctx)
	h := &runHandle{cancel: cancel}
	s.run = h
	s.running.Add(1)
	return runCtx, h
}

// endRun unwinds beginRunLocked. The handle comparison keeps a finished run
// from unregistering a call accepted after it.
func (s *Session) endRun(h *runHandle) {
	h.cancel()
	s.mu.Lock()
	if s.run == h {
		s.run = nil
	}
	s.mu.Unlock()
	s.running.Done()
}

// deliver runs attempts until success, a terminal failure, or backoff
// exhaustion. Entered in StateValidating.
func (s *Session) deliver(ctx context.Context, text string, fn StreamFunc) error {
	for {
		cerr := s.attempt(ctx, text, fn)
		if cerr == nil {
			return nil
		}
		if !s.opts.AutoRetry || !cerr.Kind.Retryable() || ctx.Err() != nil {
			return cerr
		}

		s.mu.Lock()
		if !s.opts.Retry.ShouldRetry(s.attempts) {
			s.mu.Unlock()
			return cerr
		}
		n := s.attempts
		s.attempts++
		wake := make(chan struct{})
		s.wake = wake
		s.transitionLocked(triggerSchedule)
		s.mu.Unlock()

		delay := s.opts.Retry.DelayFor(n)
		s.logger.Debug("retry scheduled", "attempt", n+1, "delay", delay, "kind", cerr.Kind)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			if s.wake == wake {
				s.wake = nil
			}
			s.transitionLocked(triggerFail)
			s.mu.Unlock()
			return cerr
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}

		s.mu.Lock()
		if s.wake == wake {
			s.wake = nil
		}
		s.transitionLocked(triggerValidate)
		s.mu.Unlock()
	}
}

// attempt runs a single gated generation call. Entered in StateValidating;
// leaves the session in Completed or Failed. Returns nil on success or the
// classified failure.
func (s *Session) attempt(ctx context.Context, text string, fn StreamFunc) *Error {
	if !s.gate.TryAcquire() {
		cerr := &Error{Kind: KindSessionBusy, Message: "a generation call is already in flight"}
		s.mu.Lock()
		s.lastErr = cerr
		s.transitionLocked(triggerBusy)
		s.mu.Unlock()
		return cerr
	}
	defer s.gate.Release()

	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if s.opts.RequestTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
	}
	defer cancel()

	// Snapshot the conversation and stage the user turn on a working copy.
	// Nothing is committed to the store until the final chunk arrives.
	user := NewUserMessage(text)
	req := s.buildRequest(user)

	s.mu.Lock()
	s.partial = ""
	s.transitionLocked(triggerDispatch)
	s.mu.Unlock()

	if s.streamer == nil {
		return s.failAttempt(&Error{Kind: KindAPIKeyMissing, Message: "generation client is not configured"})
	}
	if err := s.breaker.Allow(); err != nil {
		s.logger.Warn("circuit breaker rejected call", "state", s.breaker.State().String())
		return s.failAttempt(Classify(err))
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(attemptCtx); err != nil {
			return s.failAttempt(Classify(err))
		}
	}

	first := true
	full, err := s.streamer.Stream(attemptCtx, req, func(cctx context.Context, c Chunk) error {
		if !c.Final {
			s.mu.Lock()
			if first {
				s.transitionLocked(triggerChunk)
				first = false
			}
			s.partial += c.Text
			s.mu.Unlock()
		}
		if fn != nil {
			return fn(cctx, c)
		}
		return nil
	})
	if err != nil {
		s.breaker.Failure()
		return s.failAttempt(Classify(err))
	}
	s.breaker.Success()

	s.mu.Lock()
	s.conv.Append(user, NewModelMessage(full))
	s.conv.Truncate(s.opts.MaxHistory)
	s.attempts = 0
	s.lastAttempted = ""
	s.lastErr = nil
	s.partial = ""
	s.transitionLocked(triggerComplete)
	s.mu.Unlock()

	s.logger.Debug("generation completed", "response_len", len(full))
	return nil
}

// buildRequest assembles the immutable call snapshot: transmittable history
// plus the staged user turn.
func (s *Session) buildRequest(user Message) *GenerateRequest {
	snapshot := s.conv.Snapshot()
	msgs := make([]Message, 0, len(snapshot)+1)
	for _, m := range snapshot {
		if m.Role == RoleSystem {
			continue
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs, user)
	return &GenerateRequest{
		Messages:          msgs,
		SystemInstruction: s.opts.SystemPrompt,
		Params:            s.opts.Generation,
	}
}

// failAttempt records the classified failure. Partial text is discarded,
// never committed.
func (s *Session) failAttempt(cerr *Error) *Error {
	s.mu.Lock()
	s.partial = ""
	s.lastErr = cerr
	s.transitionLocked(triggerFail)
	s.mu.Unlock()
	s.logger.Debug("generation failed", "kind", cerr.Kind, "error", cerr.Message)
	return cerr
}
