package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hainaria/tryon-pipeline/pkg/schema"
)

func TestBackoffDoublesPerAttempt(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 5 * time.Second, MaxBackoff: 5 * time.Minute}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
	}
	for _, c := range cases {
		if got := p.Backoff(c.attempt); got != c.want {
			t.Fatalf("Backoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, InitialBackoff: 5 * time.Second, MaxBackoff: 30 * time.Second}
	if got := p.Backoff(8); got != 30*time.Second {
		t.Fatalf("Backoff(8) = %v, want cap %v", got, 30*time.Second)
	}
}

func TestBackoffUncappedWithoutMax(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, InitialBackoff: 5 * time.Second}
	if got := p.Backoff(4); got != 40*time.Second {
		t.Fatalf("Backoff(4) = %v, want %v with no cap", got, 40*time.Second)
	}
	if got := p.Backoff(2); got == 0 {
		t.Fatal("zero MaxBackoff must not collapse the delay to zero")
	}
}

func TestBackoffClampsAttemptFloor(t *testing.T) {
	p := DefaultRetryPolicy()
	if got := p.Backoff(0); got != p.InitialBackoff {
		t.Fatalf("Backoff(0) = %v, want %v", got, p.InitialBackoff)
	}
}

func TestExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	if p.Exhausted(2) {
		t.Fatal("attempt 2 of 3 should not be exhausted")
	}
	if !p.Exhausted(3) {
		t.Fatal("attempt 3 of 3 should be exhausted")
	}
}

func TestDefaultRetryPolicyMatchesQueueDefaults(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxAttempts != 3 {
		t.Fatalf("unexpected max attempts: %d", p.MaxAttempts)
	}
	if p.InitialBackoff != 5*time.Second {
		t.Fatalf("unexpected initial backoff: %v", p.InitialBackoff)
	}
}

// The in-flight limit is consumer-level, shared by every member of the queue
// group. A limit of 1 would serialize the whole fleet to one running job, so
// it must never default that low.
func TestInFlightLimitAllowsGroupConcurrency(t *testing.T) {
	if got := DefaultRetryPolicy().inFlightLimit(); got <= 1 {
		t.Fatalf("default in-flight limit %d would serialize the queue group", got)
	}
	if got := (RetryPolicy{}).inFlightLimit(); got <= 1 {
		t.Fatalf("zero-value in-flight limit %d would serialize the queue group", got)
	}
	if got := (RetryPolicy{MaxInFlight: 8}).inFlightLimit(); got != 8 {
		t.Fatalf("inFlightLimit = %d, want the configured 8", got)
	}
}

// fakeMsg records how dispatch settles a delivery.
type fakeMsg struct {
	acked    bool
	termed   bool
	naked    bool
	nakDelay time.Duration
}

func (m *fakeMsg) Ack(opts ...nats.AckOpt) error { m.acked = true; return nil }

func (m *fakeMsg) NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error {
	m.naked = true
	m.nakDelay = delay
	return nil
}

func (m *fakeMsg) Term(opts ...nats.AckOpt) error { m.termed = true; return nil }

func testQueue(t *testing.T, policy RetryPolicy, publishDead func([]byte) error) *Queue {
	t.Helper()
	if publishDead == nil {
		publishDead = func([]byte) error { return nil }
	}
	return &Queue{
		name:        "TEST",
		subject:     "test.subject",
		policy:      policy,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		publishDead: publishDead,
	}
}

func jobPayload(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(schema.Job{SessionID: "s-1", ImageURL: "/uploads/raw/a.png", Kind: schema.JobKindBGRemoval})
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return data
}

func TestDispatchAcksOnSuccess(t *testing.T) {
	q := testQueue(t, DefaultRetryPolicy(), nil)
	msg := &fakeMsg{}

	q.dispatch(jobPayload(t), 1, msg, func(ctx context.Context, job schema.Job) error {
		if job.SessionID != "s-1" {
			t.Fatalf("handler got session %q", job.SessionID)
		}
		return nil
	})

	if !msg.acked || msg.naked || msg.termed {
		t.Fatalf("successful job must be acked only: %+v", msg)
	}
}

func TestDispatchNaksWithBackoffOnFailure(t *testing.T) {
	policy := DefaultRetryPolicy()
	q := testQueue(t, policy, nil)
	msg := &fakeMsg{}

	q.dispatch(jobPayload(t), 2, msg, func(ctx context.Context, job schema.Job) error {
		return errors.New("processor down")
	})

	if !msg.naked || msg.acked || msg.termed {
		t.Fatalf("failed non-final attempt must be naked only: %+v", msg)
	}
	if msg.nakDelay != policy.Backoff(2) {
		t.Fatalf("nak delay %v, want %v", msg.nakDelay, policy.Backoff(2))
	}
}

func TestDispatchDeadLettersWhenExhausted(t *testing.T) {
	var dead [][]byte
	q := testQueue(t, DefaultRetryPolicy(), func(payload []byte) error {
		dead = append(dead, payload)
		return nil
	})
	msg := &fakeMsg{}
	payload := jobPayload(t)

	q.dispatch(payload, 3, msg, func(ctx context.Context, job schema.Job) error {
		return errors.New("still failing")
	})

	if len(dead) != 1 || string(dead[0]) != string(payload) {
		t.Fatalf("expected the original payload dead-lettered, got %d entries", len(dead))
	}
	if !msg.termed || msg.naked || msg.acked {
		t.Fatalf("dead-lettered job must be termed only: %+v", msg)
	}
}

func TestDispatchKeepsJobWhenDeadLetterPublishFails(t *testing.T) {
	q := testQueue(t, DefaultRetryPolicy(), func([]byte) error {
		return errors.New("broker unreachable")
	})
	msg := &fakeMsg{}

	q.dispatch(jobPayload(t), 3, msg, func(ctx context.Context, job schema.Job) error {
		return errors.New("still failing")
	})

	if msg.termed {
		t.Fatal("job must not be termed while the dead-letter publish fails")
	}
	if !msg.naked {
		t.Fatal("job must be naked so the dead-letter publish is retried")
	}
}

func TestDispatchTermsMalformedPayload(t *testing.T) {
	q := testQueue(t, DefaultRetryPolicy(), nil)
	msg := &fakeMsg{}
	called := false

	q.dispatch([]byte("{not json"), 1, msg, func(ctx context.Context, job schema.Job) error {
		called = true
		return nil
	})

	if called {
		t.Fatal("handler must not run for a malformed payload")
	}
	if !msg.termed || msg.acked || msg.naked {
		t.Fatalf("malformed payload must be termed only: %+v", msg)
	}
}
