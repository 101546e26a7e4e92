package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fastRetry keeps backoff tests quick without changing the schedule shape.
func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 8 * time.Millisecond}
}

func newTestSession(stub Streamer, opts Options) *Session {
	return NewSession(uuid.New(), SessionConfig{Streamer: stub, Options: opts})
}

// chunkRecorder collects streamed chunks across goroutines.
type chunkRecorder struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (r *chunkRecorder) fn(_ context.Context, c Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, c)
	return nil
}

func (r *chunkRecorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.chunks {
		if !c.Final {
			out = append(out, c.Text)
		}
	}
	return out
}

func (r *chunkRecorder) finals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.chunks {
		if c.Final {
			n++
		}
	}
	return n
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, still in %s", want, s.State())
}

func TestSessionSendStreamsAndCommits(t *testing.T) {
	t.Parallel()

	stub := &StubStreamer{}
	stub.Enqueue(StreamText("Here", "is", "a", "draft"))

	sess := newTestSession(stub, Options{
		MultiTurn:    true,
		SystemPrompt: "You are a legal drafting assistant.",
		Retry:        RetryPolicy{MaxRetries: 3},
	})

	rec := &chunkRecorder{}
	if err := sess.Send(context.Background(), "Draft a notice", rec.fn); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := sess.State(); got != StateCompleted {
		t.Errorf("state = %s, want completed", got)
	}

	msgs := sess.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len(messages) = %d, want 3 (system, user, model)", len(msgs))
	}
	if msgs[0].Role != RoleSystem || msgs[1].Role != RoleUser || msgs[2].Role != RoleModel {
		t.Fatalf("unexpected roles: %v %v %v", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}
	if got := msgs[2].Text(); got != "Hereisadraft" {
		t.Errorf("model text = %q, want %q", got, "Hereisadraft")
	}

	want := []string{"Here", "is", "a", "draft"}
	got := rec.texts()
	if len(got) != len(want) {
		t.Fatalf("chunk texts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
	if rec.finals() != 1 {
		t.Errorf("final chunks = %d, want 1", rec.finals())
	}

	if sess.PartialText() != "" {
		t.Errorf("PartialText = %q after completion, want empty", sess.PartialText())
	}
	if sess.AttemptCount() != 0 {
		t.Errorf("AttemptCount = %d after success, want 0", sess.AttemptCount())
	}
	if sess.LastError() != nil {
		t.Errorf("LastError = %v after success, want nil", sess.LastError())
	}
	if sess.CanRetry() {
		t.Error("CanRetry reports true after success")
	}
}

func TestSessionSendRequestShape(t *testing.T) {
	t.Parallel()

	stub := &StubStreamer{}
	stub.Enqueue(StreamText("first"), StreamText("second"))

	sess := newTestSession(stub, Options{
		MultiTurn:    true,
		SystemPrompt: "system context",
	})

	if err := sess.Send(context.Background(), "  question one  ", nil); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := sess.Send(context.Background(), "question two", nil); err != nil {
		t.Fatalf("second Send: %v", err)
	}

	reqs := stub.Requests()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(reqs))
	}

	first := reqs[0]
	if first.SystemInstruction != "system context" {
		t.Errorf("SystemInstruction = %q", first.SystemInstruction)
	}
	if len(first.Messages) != 1 {
		t.Fatalf("first call messages = %d, want 1", len(first.Messages))
	}
	if got := first.Messages[0].Text(); got != "question one" {
		t.Errorf("first call user text = %q, want trimmed input", got)
	}

	second := reqs[1]
	if len(second.Messages) != 3 {
		t.Fatalf("second call messages = %d, want 3 (user, model, user)", len(second.Messages))
	}
	for _, m := range second.Messages {
		if m.Role == RoleSystem {
			t.Error("system message transmitted in the contents")
		}
	}
	if got := second.Messages[2].Text(); got != "question two" {
		t.Errorf("second call last message = %q", got)
	}
}

func TestSessionSingleTurnResetsHistory(t *testing.T) {
	t.Parallel()

	stub := &StubStreamer{}
	stub.Enqueue(StreamText("one"), StreamText("two"))

	sess := newTestSession(stub, Options{SystemPrompt: "seed"})

	if err := sess.Send(context.Background(), "a", nil); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := sess.Send(context.Background(), "b", nil); err != nil {
		t.Fatalf("second Send: %v", err)
	}

	msgs := sess.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len(messages) = %d, want 3 (seed + latest exchange only)", len(msgs))
	}
	if got := msgs[1].Text(); got != "b" {
		t.Errorf("user turn = %q, want %q", got, "b")
	}

	// Single-turn calls never carry prior history.
	reqs := stub.Requests()
	if len(reqs[1].Messages) != 1 {
		t.Errorf("second call messages = %d, want 1", len(reqs[1].Messages))
	}
}

func TestSessionHistoryTruncationOnCommit(t *testing.T) {
	t.Parallel()

	stub := &StubStreamer{}
	stub.Enqueue(StreamText("answer"))

	sess := newTestSession(stub, Options{
		MultiTurn:    true,
		SystemPrompt: "seed",
		MaxHistory:   3,
	})

	for i := 0; i < 3; i++ {
		if err := sess.Send(context.Background(), "question", nil); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	msgs := sess.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(msgs))
	}
	if msgs[0].Role != RoleSystem {
		t.Errorf("system seed evicted, first role = %s", msgs[0].Role)
	}
	if msgs[len(msgs)-1].Role != RoleModel {
		t.Errorf("last role = %s, want model", msgs[len(msgs)-1].Role)
	}
}

func TestSessionSendInvalidInput(t *testing.T) {
	t.Parallel()

	stub := &StubStreamer{}
	sess := newTestSession(stub, Options{SystemPrompt: "seed", Retry: RetryPolicy{MaxRetries: 3}})

	err := sess.Send(context.Background(), "   ", nil)
	if err == nil {
		t.Fatal("Send accepted empty input")
	}
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindInvalidInput {
		t.Fatalf("err = %v, want KindInvalidInput", err)
	}

	if got := sess.State(); got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
	if stub.Calls() != 0 {
		t.Errorf("provider called %d times for rejected input", stub.Calls())
	}
	if sess.CanRetry() {
		t.Error("CanRetry reports true for a validation failure")
	}
	if got := len(sess.Messages()); got != 1 {
		t.Errorf("len(messages) = %d, want seed only", got)
	}
}

func TestSessionSendFailurePreservesConversation(t *testing.T) {
	t.Parallel()

	stub := &StubStreamer{}
	stub.Enqueue(StreamError(errors.New("503 service unavailable")))

	sess := newTestSession(stub, Options{SystemPrompt: "seed", Retry: RetryPolicy{MaxRetries: 3}})

	rec := &chunkRecorder{}
	err := sess.Send(context.Background(), "question", rec.fn)
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindNetwork {
		t.Fatalf("err = %v, want KindNetwork", err)
	}

	if got := sess.State(); got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
	// The user turn is only committed together with a model reply.
	if got := len(sess.Messages()); got != 1 {
		t.Errorf("len(messages) = %d after failure, want seed only", got)
	}
	if sess.PartialText() != "" {
		t.Errorf("PartialText = %q after failure, want empty", sess.PartialText())
	}
	if sess.LastError() == nil || sess.LastError().Kind != KindNetwork {
		t.Errorf("LastError = %v, want network", sess.LastError())
	}
	if !sess.CanRetry() {
		t.Error("CanRetry reports false for a retryable failure")
	}
}

func TestSessionManualRetry(t *testing.T) {
	t.Parallel()

	stub := &StubStreamer{}
	stub.Enqueue(
		StreamError(errors.New("connection reset")),
		StreamText("recovered"),
	)

	sess := newTestSession(stub, Options{SystemPrompt: "seed", Retry: RetryPolicy{MaxRetries: 3}})

	if err := sess.Send(context.Background(), "question", nil); err == nil {
		t.Fatal("first Send unexpectedly succeeded")
	}
	if !sess.CanRetry() {
		t.Fatal("CanRetry = false after a retryable failure")
	}

	if err := sess.Retry(context.Background(), nil); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got := sess.State(); got != StateCompleted {
		t.Errorf("state = %s after retry, want completed", got)
	}
	msgs := sess.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(msgs))
	}
	if got := msgs[2].Text(); got != "recovered" {
		t.Errorf("model text = %q", got)
	}
	if stub.Calls() != 2 {
		t.Errorf("provider calls = %d, want 2", stub.Calls())
	}

	// Nothing left to retry after success.
	if err := sess.Retry(context.Background(), nil); err != nil {
		t.Fatalf("no-op Retry: %v", err)
	}
	if stub.Calls() != 2 {
		t.Errorf("no-op Retry reached the provider, calls = %d", stub.Calls())
	}
}

func TestSessionManualRetryHonorsCap(t *testing.T) {
	t.Parallel()

	stub := &StubStreamer{}
	stub.Enqueue(StreamError(errors.New("connection reset")))

	sess := newTestSession(stub, Options{Retry: RetryPolicy{MaxRetries: 1}})

	if err := sess.Send(context.Background(), "question", nil); err == nil {
		t.Fatal("Send unexpectedly succeeded")
	}
	if !sess.CanRetry() {
		t.Fatal("CanRetry = false before the cap")
	}

	if err := sess.Retry(context.Background(), nil); err == nil {
		t.Fatal("Retry unexpectedly succeeded")
	}
	if sess.AttemptCount() != 1 {
		t.Errorf("AttemptCount = %d, want 1", sess.AttemptCount())
	}
	if sess.CanRetry() {
		t.Error("CanRetry = true past the cap")
	}

	if err := sess.Retry(context.Background(), nil); err != nil {
		t.Fatalf("capped Retry returned %v, want no-op nil", err)
	}
	if stub.Calls() != 2 {
		t.Errorf("provider calls = %d, want 2", stub.Calls())
	}
}

func TestSessionAutoRetryExhaustsSchedule(t *testing.T) {
	t.Parallel()

	stub := &StubStreamer{}
	stub.Enqueue(StreamError(errors.New("429 too many requests")))

	sess := newTestSession(stub, Options{AutoRetry: true, Retry: fastRetry()})

	err := sess.Send(context.Background(), "question", nil)
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindRateLimited {
		t.Fatalf("err = %v, want KindRateLimited", err)
	}

	// Initial attempt plus three scheduled retries.
	if stub.Calls() != 4 {
		t.Errorf("provider calls = %d, want 4", stub.Calls())
	}
	if sess.AttemptCount() != 3 {
		t.Errorf("AttemptCount = %d, want 3", sess.AttemptCount())
	}
	if got := sess.State(); got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
	if sess.CanRetry() {
		t.Error("CanRetry = true after the schedule is exhausted")
	}
}

func TestSessionAutoRetryEventualSuccess(t *testing.T) {
	t.Parallel()

	stub := &StubStreamer{}
	stub.Enqueue(
		StreamError(errors.New("connection reset")),
		StreamError(errors.New("i/o timeout")),
		StreamText("third time lucky"),
	)

	sess := newTestSession(stub, Options{AutoRetry: true, Retry: fastRetry()})

	if err := sess.Send(context.Background(), "question", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if stub.Calls() != 3 {
		t.Errorf("provider calls = %d, want 3", stub.Calls())
	}
	if sess.AttemptCount() != 0 {
		t.Errorf("AttemptCount = %d after success, want 0", sess.AttemptCount())
	}
	if got := sess.Messages()[1].Text(); got != "third time lucky" {
		t.Errorf("model text = %q", got)
	}
}

func TestSessionManualRetryFiresScheduledRetryEarly(t *testing.T) {
	t.Parallel()

	stub := &StubStreamer{}
	stub.Enqueue(
		StreamError(errors.New("connection reset")),
		StreamText("woken"),
	)

	// A backoff long enough that the test only passes via the early wake.
	sess := newTestSession(stub, Options{
		AutoRetry: true,
		Retry:     RetryPolicy{MaxRetries: 3, BaseDelay: time.Minute, MaxDelay: time.Minute},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sess.Send(ctx, "question", nil)
	}()

	waitForState(t, sess, StateRetryScheduled)

	if err := sess.Retry(ctx, nil); err != nil {
		t.Fatalf("Retry during backoff: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send after wake: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not complete after the early wake")
	}

	if stub.Calls() != 2 {
		t.Errorf("provider calls = %d, want 2", stub.Calls())
	}
	if got := sess.State(); got != StateCompleted {
		t.Errorf("state = %s, want completed", got)
	}
}

func TestSessionBusyRejectsConcurrentSend(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})

	stub := &StubStreamer{}
	stub.Enqueue(func(ctx context.Context, _ *GenerateRequest, fn StreamFunc) (string, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return StreamText("slow reply")(ctx, nil, fn)
	})

	sess := newTestSession(stub, Options{MultiTurn: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sess.Send(ctx, "first", nil)
	}()
	<-started

	err := sess.Send(ctx, "second", nil)
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindSessionBusy {
		t.Fatalf("concurrent Send err = %v, want KindSessionBusy", err)
	}

	// The rejected call must not disturb the in-flight one.
	addErr := sess.AddMessage("injected context")
	if !errors.As(addErr, &cerr) || cerr.Kind != KindSessionBusy {
		t.Fatalf("AddMessage during flight err = %v, want KindSessionBusy", addErr)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight Send: %v", err)
	}
	msgs := sess.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(msgs))
	}
	if got := msgs[0].Text(); got != "first" {
		t.Errorf("committed user turn = %q, want the in-flight one", got)
	}
}

func TestSessionClearCancelsInFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})

	stub := &StubStreamer{}
	stub.Enqueue(func(ctx context.Context, _ *GenerateRequest, _ StreamFunc) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	sess := newTestSession(stub, Options{SystemPrompt: "seed", MultiTurn: true})

	done := make(chan error, 1)
	go func() {
		done <- sess.Send(context.Background(), "question", nil)
	}()
	<-started

	sess.Clear()

	err := <-done
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindNetwork {
		t.Fatalf("canceled Send err = %v, want KindNetwork", err)
	}

	if got := sess.State(); got != StateIdle {
		t.Errorf("state = %s after Clear, want idle", got)
	}
	if got := len(sess.Messages()); got != 1 {
		t.Errorf("len(messages) = %d after Clear, want seed only", got)
	}
	if sess.LastError() != nil {
		t.Errorf("LastError = %v after Clear, want nil", sess.LastError())
	}
	if sess.PartialText() != "" {
		t.Errorf("PartialText = %q after Clear", sess.PartialText())
	}

	// The session accepts new work again.
	stub.Enqueue(StreamText("fresh"))
	if err := sess.Send(context.Background(), "again", nil); err != nil {
		t.Fatalf("Send after Clear: %v", err)
	}
}

func TestSessionClearNeverInterleavesWithCommit(t *testing.T) {
	t.Parallel()

	// Clear racing a freshly accepted Send must either run before the
	// accept or cancel-and-wait; a commit landing in a cleared session
	// would show up as an idle state with extra messages.
	for i := 0; i < 50; i++ {
		stub := &StubStreamer{}
		stub.Enqueue(StreamText("reply"))

		sess := newTestSession(stub, Options{MultiTurn: true, SystemPrompt: "seed"})

		done := make(chan error, 1)
		go func() {
			done <- sess.Send(context.Background(), "question", nil)
		}()
		sess.Clear()
		<-done

		if sess.State() == StateIdle {
			if got := len(sess.Messages()); got != 1 {
				t.Fatalf("iteration %d: idle session holds %d messages, want seed only", i, got)
			}
		}
	}
}

func TestSessionClearWhenIdle(t *testing.T) {
	t.Parallel()

	sess := newTestSession(&StubStreamer{}, Options{SystemPrompt: "seed"})
	sess.Clear()

	if got := sess.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if got := len(sess.Messages()); got != 1 {
		t.Errorf("len(messages) = %d, want 1", got)
	}
}

func TestSessionRequestTimeout(t *testing.T) {
	t.Parallel()

	stub := &StubStreamer{}
	stub.Enqueue(func(ctx context.Context, _ *GenerateRequest, _ StreamFunc) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	sess := newTestSession(stub, Options{RequestTimeout: 5 * time.Millisecond})

	err := sess.Send(context.Background(), "question", nil)
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindNetwork {
		t.Fatalf("err = %v, want KindNetwork from the attempt timeout", err)
	}
}

func TestSessionNilStreamer(t *testing.T) {
	t.Parallel()

	sess := newTestSession(nil, Options{})

	if sess.Ready() {
		t.Error("Ready = true without a provider client")
	}

	err := sess.Send(context.Background(), "question", nil)
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindAPIKeyMissing {
		t.Fatalf("err = %v, want KindAPIKeyMissing", err)
	}
	if got := sess.State(); got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
}

func TestSessionBreakerOpenFailsFast(t *testing.T) {
	t.Parallel()

	breaker := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	breaker.Failure()

	stub := &StubStreamer{}
	sess := NewSession(uuid.New(), SessionConfig{
		Streamer: stub,
		Breaker:  breaker,
	})

	err := sess.Send(context.Background(), "question", nil)
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindNetwork {
		t.Fatalf("err = %v, want KindNetwork from the open circuit", err)
	}
	if stub.Calls() != 0 {
		t.Errorf("provider called %d times behind an open circuit", stub.Calls())
	}
}

func TestSessionEmptyResponseIsContentFiltered(t *testing.T) {
	t.Parallel()

	stub := &StubStreamer{}
	stub.Enqueue(StreamText())

	sess := newTestSession(stub, Options{})

	err := sess.Send(context.Background(), "question", nil)
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindContentFiltered {
		t.Fatalf("err = %v, want KindContentFiltered", err)
	}
	if got := len(sess.Messages()); got != 0 {
		t.Errorf("len(messages) = %d after an empty response, want 0", got)
	}
}

func TestSessionAddMessage(t *testing.T) {
	t.Parallel()

	sess := newTestSession(&StubStreamer{}, Options{SystemPrompt: "seed", MaxHistory: 3})

	if err := sess.AddMessage("<b>extracted</b> clause text"); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	msgs := sess.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(msgs))
	}
	if msgs[1].Role != RoleModel {
		t.Errorf("injected role = %s, want model", msgs[1].Role)
	}
	if got := msgs[1].Text(); got != "extracted clause text" {
		t.Errorf("injected text = %q, want sanitized", got)
	}

	// Unusable content is dropped silently.
	if err := sess.AddMessage("<div></div>"); err != nil {
		t.Fatalf("AddMessage(markup only): %v", err)
	}
	if got := len(sess.Messages()); got != 2 {
		t.Errorf("len(messages) = %d after markup-only add, want 2", got)
	}

	// History stays bounded.
	for i := 0; i < 5; i++ {
		if err := sess.AddMessage("more context"); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}
	if got := len(sess.Messages()); got != 3 {
		t.Errorf("len(messages) = %d, want MaxHistory", got)
	}
}
