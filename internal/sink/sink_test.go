package sink

import (
	"context"
	"errors"
	"testing"
)

type fakeStage struct {
	outcome Outcome
	calls   int
	err     error
}

func (f *fakeStage) Insert(context.Context, Descriptor) Outcome {
	f.calls++
	return f.outcome
}

func (f *fakeStage) Close() error { return f.err }

func TestChain_StopsAtFirstFailure(t *testing.T) {
	first := &fakeStage{outcome: Delivered}
	second := &fakeStage{outcome: Exhausted}
	third := &fakeStage{outcome: Delivered}

	out := Chain{first, second, third}.Insert(context.Background(), Descriptor{Path: "/tmp/x.csv"})
	if out != Exhausted {
		t.Errorf("expected exhausted, got %s", out)
	}
	if third.calls != 0 {
		t.Errorf("third stage should not run, got %d calls", third.calls)
	}
}

func TestChain_AllDelivered(t *testing.T) {
	a, b := &fakeStage{outcome: Delivered}, &fakeStage{outcome: Delivered}
	if out := (Chain{a, b}).Insert(context.Background(), Descriptor{}); !out.Delivered() {
		t.Errorf("expected delivered, got %s", out)
	}
}

func TestChain_EmptyIsPending(t *testing.T) {
	if out := (Chain{}).Insert(context.Background(), Descriptor{}); out != Pending {
		t.Errorf("expected pending, got %s", out)
	}
}

func TestChain_CloseJoinsErrors(t *testing.T) {
	errA := errors.New("a")
	err := Chain{&fakeStage{err: errA}, &fakeStage{}}.Close()
	if !errors.Is(err, errA) {
		t.Errorf("expected joined error to contain errA, got %v", err)
	}
}

func TestOutcome_String(t *testing.T) {
	for o, want := range map[Outcome]string{Pending: "pending", Delivered: "delivered", Failed: "failed", Exhausted: "exhausted"} {
		if o.String() != want {
			t.Errorf("%d: got %s, want %s", o, o.String(), want)
		}
	}
}
