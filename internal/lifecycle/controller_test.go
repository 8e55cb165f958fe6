package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"zstudio/internal/metrics"
)

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestInitialStateIsNotLoaded(t *testing.T) {
	c := NewController()
	if got := c.Current(); got.Phase != NotLoaded {
		t.Fatalf("initial state=%v", got)
	}
}

func TestTransitionTable(t *testing.T) {
	c := NewController()
	if c.MarkReady() {
		t.Fatalf("MarkReady from NotLoaded must be a no-op")
	}
	if c.MarkFailed("x", nil) {
		t.Fatalf("MarkFailed from NotLoaded must be a no-op")
	}
	if !c.RequestLoad() {
		t.Fatalf("RequestLoad from NotLoaded must transition")
	}
	if c.RequestLoad() {
		t.Fatalf("RequestLoad while Loading must be a no-op")
	}
	if !c.MarkReady() || c.Current().Phase != Ready {
		t.Fatalf("expected Ready, got %v", c.Current())
	}
	if c.RequestLoad() || c.MarkFailed("late", nil) || c.MarkReady() {
		t.Fatalf("Ready must have no outbound transitions besides Reset")
	}
	if !c.Reset() || c.Current().Phase != NotLoaded {
		t.Fatalf("Reset must return to NotLoaded, got %v", c.Current())
	}
	if c.Reset() {
		t.Fatalf("Reset from NotLoaded must be a no-op")
	}
}

func TestFailedIsRecoverable(t *testing.T) {
	c := NewController()
	c.RequestLoad()
	cause := errors.New("dial refused")
	if !c.MarkFailed("OOM", cause) {
		t.Fatalf("MarkFailed from Loading must transition")
	}
	s := c.Current()
	if s.Phase != Failed || s.Reason != "OOM" || !errors.Is(s.Cause, cause) {
		t.Fatalf("unexpected failed state: %+v", s)
	}
	if s.String() != "failed(OOM)" {
		t.Fatalf("String()=%q", s.String())
	}
	if !c.RequestLoad() {
		t.Fatalf("RequestLoad from Failed must transition")
	}
	s = c.Current()
	if s.Phase != Loading || s.Reason != "" || s.Cause != nil {
		t.Fatalf("failure details must clear on reload: %+v", s)
	}
}

func TestRequestLoadSingleFlight(t *testing.T) {
	c := NewController()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.RequestLoad() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestAwaitResolvesOnTransition(t *testing.T) {
	c := NewController()
	c.RequestLoad()
	got := make(chan State, 1)
	go func() {
		s, err := c.Await(testCtx(t))
		if err != nil {
			t.Errorf("await: %v", err)
		}
		got <- s
	}()
	time.Sleep(10 * time.Millisecond)
	c.MarkReady()
	select {
	case s := <-got:
		if s.Phase != Ready {
			t.Fatalf("await resolved with %v", s)
		}
	case <-time.After(time.Second):
		t.Fatalf("await did not resolve")
	}
}

// A waiter woken by one transition must report the latest state, not the one
// that woke it.
func TestAwaitReadsLatestState(t *testing.T) {
	c := NewController()
	c.RequestLoad()
	ch := c.Changed()
	c.MarkFailed("first", nil)
	c.RequestLoad()
	<-ch
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s, err := c.Await(ctx)
	if !errors.Is(err, context.DeadlineExceeded) || s.Phase != Loading {
		t.Fatalf("expected still loading after reload, got %v err=%v", s, err)
	}
}

func TestAwaitReturnsImmediatelyWhenSettled(t *testing.T) {
	c := NewController()
	s, err := c.Await(testCtx(t))
	if err != nil || s.Phase != NotLoaded {
		t.Fatalf("got %v err=%v", s, err)
	}
}

func TestEventsAndMetrics(t *testing.T) {
	pub := NewMemoryPublisher()
	reg := prometheus.NewRegistry()
	c := NewController(WithPublisher(pub), WithMetrics(metrics.New(reg)))
	c.RequestLoad()
	c.MarkFailed("OOM", nil)
	c.RequestLoad()
	c.MarkReady()
	c.MarkReady()
	if pub.Count(EventLoadRequested) != 2 || pub.Count(EventFailed) != 1 || pub.Count(EventReady) != 1 {
		t.Fatalf("unexpected events: %+v", pub.Events())
	}
	evts := pub.Events()
	if evts[1].Fields["reason"] != "OOM" || evts[1].From != Loading || evts[1].To != Failed {
		t.Fatalf("failed event missing details: %+v", evts[1])
	}
	mfs, err := reg.Gather()
	if err != nil || len(mfs) == 0 {
		t.Fatalf("gather: %v (n=%d)", err, len(mfs))
	}
}
