package transfer

import (
	"errors"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/peerdrop/transport"
)

func newTestOperation(kind Kind, fileID string) *Operation {
	return NewOperation(kind, fileID, syncDispatcher{}, clock.NewMock())
}

func TestNewOperation_InitialState(t *testing.T) {
	op := newTestOperation(KindDownload, "report.pdf")

	if op.Kind() != KindDownload {
		t.Errorf("expected kind download, got %v", op.Kind())
	}
	if op.FileID() != "report.pdf" {
		t.Errorf("expected file id report.pdf, got %q", op.FileID())
	}
	if op.State() != StateCreated {
		t.Errorf("expected state created, got %v", op.State())
	}
	if _, bound := op.Peer(); bound {
		t.Error("new operation should have no bound peer")
	}
	if op.Fraction() != 0 {
		t.Errorf("expected fraction 0, got %v", op.Fraction())
	}
}

func TestOperation_LifecycleTransitions(t *testing.T) {
	op := newTestOperation(KindDownload, "f1")

	if err := op.Start(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("starting a created operation should fail, got %v", err)
	}
	if err := op.MarkQueued(); err != nil {
		t.Fatalf("MarkQueued failed: %v", err)
	}
	if err := op.MarkQueued(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double MarkQueued should fail, got %v", err)
	}

	started := false
	op.SetHooks(Hooks{OnStart: func(*Operation) { started = true }})
	if err := op.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !started {
		t.Error("OnStart hook did not fire")
	}
	if op.State() != StateRunning {
		t.Errorf("expected state running, got %v", op.State())
	}
}

func TestOperation_BindPeerOnce(t *testing.T) {
	op := newTestOperation(KindUpload, "f1")

	if err := op.BindPeer("p1"); err != nil {
		t.Fatalf("first bind failed: %v", err)
	}
	if err := op.BindPeer("p2"); !errors.Is(err, ErrPeerAlreadyBound) {
		t.Errorf("second bind should fail with ErrPeerAlreadyBound, got %v", err)
	}

	peer, bound := op.Peer()
	if !bound || peer != "p1" {
		t.Errorf("expected bound peer p1, got %q bound=%v", peer, bound)
	}
}

func TestOperation_StopIsIdempotent(t *testing.T) {
	op := newTestOperation(KindDownload, "f1")

	stops := 0
	op.SetHooks(Hooks{OnStop: func(*Operation) { stops++ }})

	op.Stop()
	op.Stop()

	if stops != 1 {
		t.Errorf("expected OnStop to fire once, fired %d times", stops)
	}
	if op.State() != StateTerminated {
		t.Errorf("expected state terminated, got %v", op.State())
	}
}

func TestOperation_StopReleasesCallbacks(t *testing.T) {
	op := newTestOperation(KindDownload, "f1")
	op.MarkQueued()
	op.Start()

	progressed := false
	op.OnProgress(func(float64) { progressed = true })
	completed := false
	op.OnComplete(func(Result) { completed = true })

	meter := transport.NewFractionMeter()
	op.AttachProgressSource(meter)
	op.Stop()

	meter.Update(0.5)
	op.Complete(Result{})

	if progressed {
		t.Error("progress callback fired after Stop")
	}
	if completed {
		t.Error("completion callback fired after Stop")
	}
}

func TestOperation_CompleteExactlyOnce(t *testing.T) {
	op := newTestOperation(KindDownload, "f1")
	op.MarkQueued()
	op.Start()

	results := make([]Result, 0, 2)
	op.OnComplete(func(res Result) { results = append(results, res) })

	op.Complete(Result{Location: "/downloads/f1"})
	op.Complete(Result{Err: errors.New("second outcome")})

	if len(results) != 1 {
		t.Fatalf("expected exactly one completion, got %d", len(results))
	}
	if results[0].Location != "/downloads/f1" {
		t.Errorf("unexpected result: %+v", results[0])
	}
	if op.State() != StateFinishing {
		t.Errorf("expected state finishing, got %v", op.State())
	}
}

func TestOperation_ProgressIsMonotonic(t *testing.T) {
	op := newTestOperation(KindDownload, "f1")
	op.MarkQueued()
	op.Start()

	var seen []float64
	op.OnProgress(func(fraction float64) { seen = append(seen, fraction) })

	meter := transport.NewFractionMeter()
	op.AttachProgressSource(meter)

	meter.Update(0.3)
	meter.Update(0.7)

	if op.Fraction() != 0.7 {
		t.Errorf("expected fraction 0.7, got %v", op.Fraction())
	}
	if len(seen) != 2 || seen[0] != 0.3 || seen[1] != 0.7 {
		t.Errorf("unexpected progress sequence: %v", seen)
	}

	// Stale updates applied directly must not move the fraction backwards.
	op.applyProgress(0.5)
	if op.Fraction() != 0.7 {
		t.Errorf("fraction went backwards to %v", op.Fraction())
	}
}

func TestOperation_ProgressIgnoredBeforeRunning(t *testing.T) {
	op := newTestOperation(KindDownload, "f1")
	op.applyProgress(0.4)
	if op.Fraction() != 0 {
		t.Errorf("expected fraction 0 before Running, got %v", op.Fraction())
	}
}

func TestOperation_CancelDelegatesToHook(t *testing.T) {
	op := newTestOperation(KindUpload, "f1")

	cancelled := false
	op.SetHooks(Hooks{OnCancel: func(*Operation) { cancelled = true }})

	op.Cancel()
	if !cancelled {
		t.Error("OnCancel hook did not fire")
	}
	if op.State() == StateTerminated {
		t.Error("Cancel must not terminate the operation directly")
	}
}

func TestOperation_DiscoveryPayloadCorrelation(t *testing.T) {
	a := newTestOperation(KindDownload, "f1")
	b := newTestOperation(KindUpload, "f1")
	c := newTestOperation(KindUpload, "f2")

	if !a.DiscoveryPayload().Equal(b.DiscoveryPayload()) {
		t.Error("operations for the same file must correlate")
	}
	if a.DiscoveryPayload().Equal(c.DiscoveryPayload()) {
		t.Error("operations for different files must not correlate")
	}
	if !a.DiscoveryPayload().IsTransfer() {
		t.Error("payload must carry the transfer type")
	}
}
