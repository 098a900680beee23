package transfer

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestRegistry() *Registry {
	return NewRegistry(clock.NewMock(), DefaultSchedulerInterval, syncDispatcher{})
}

func TestRegistry_TryAdd_SingleDownload(t *testing.T) {
	reg := newTestRegistry()

	first := newTestOperation(KindDownload, "f1")
	if !reg.TryAdd(first) {
		t.Fatal("first download should be admitted")
	}

	second := newTestOperation(KindDownload, "f2")
	if reg.TryAdd(second) {
		t.Error("second download must be rejected")
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 registered operation, got %d", reg.Len())
	}
}

func TestRegistry_TryAdd_UploadPerPeer(t *testing.T) {
	reg := newTestRegistry()

	up1 := newTestOperation(KindUpload, "f1")
	up1.BindPeer("p1")
	if !reg.TryAdd(up1) {
		t.Fatal("first upload should be admitted")
	}

	dup := newTestOperation(KindUpload, "f2")
	dup.BindPeer("p1")
	if reg.TryAdd(dup) {
		t.Error("second upload to the same peer must be rejected")
	}

	up2 := newTestOperation(KindUpload, "f1")
	up2.BindPeer("p2")
	if !reg.TryAdd(up2) {
		t.Error("upload to a distinct peer should be admitted")
	}
}

func TestRegistry_TryAdd_NoMixedRoles(t *testing.T) {
	reg := newTestRegistry()

	download := newTestOperation(KindDownload, "f1")
	if !reg.TryAdd(download) {
		t.Fatal("download should be admitted")
	}

	upload := newTestOperation(KindUpload, "f2")
	upload.BindPeer("p1")
	if reg.TryAdd(upload) {
		t.Error("upload must be rejected while a download is registered")
	}

	reg.Remove(download)
	if !reg.TryAdd(upload) {
		t.Fatal("upload should be admitted once the download is gone")
	}

	late := newTestOperation(KindDownload, "f3")
	if reg.TryAdd(late) {
		t.Error("download must be rejected while uploads are registered")
	}
}

func TestRegistry_TryAdd_RejectsTerminated(t *testing.T) {
	reg := newTestRegistry()

	op := newTestOperation(KindDownload, "f1")
	op.Stop()
	if reg.TryAdd(op) {
		t.Error("terminated operation must never be re-admitted")
	}
}

func TestRegistry_TryAdd_RejectsUnboundUpload(t *testing.T) {
	reg := newTestRegistry()

	op := newTestOperation(KindUpload, "f1")
	if reg.TryAdd(op) {
		t.Error("upload without a bound peer must be rejected")
	}
}

func TestRegistry_TryAdd_Concurrent(t *testing.T) {
	reg := newTestRegistry()

	const attempts = 32
	admitted := make(chan *Operation, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			op := newTestOperation(KindDownload, "f1")
			if reg.TryAdd(op) {
				admitted <- op
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly one admitted download, got %d", count)
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 registered operation, got %d", reg.Len())
	}
}

func TestRegistry_RemoveAndClear(t *testing.T) {
	reg := newTestRegistry()

	op := newTestOperation(KindDownload, "f1")
	reg.TryAdd(op)

	if !reg.Remove(op) {
		t.Error("Remove should report success for a registered operation")
	}
	if reg.Remove(op) {
		t.Error("Remove should report failure for an absent operation")
	}

	a := newTestOperation(KindUpload, "f1")
	a.BindPeer("p1")
	b := newTestOperation(KindUpload, "f1")
	b.BindPeer("p2")
	reg.TryAdd(a)
	reg.TryAdd(b)

	cleared := reg.Clear()
	if len(cleared) != 2 || cleared[0] != a || cleared[1] != b {
		t.Errorf("Clear should return operations in insertion order, got %v", cleared)
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry after Clear, got %d", reg.Len())
	}
}

func TestRegistry_QueryPredicates(t *testing.T) {
	reg := newTestRegistry()

	a := newTestOperation(KindUpload, "f1")
	a.BindPeer("p1")
	a.MarkQueued()
	a.Start()
	b := newTestOperation(KindUpload, "f1")
	b.BindPeer("p2")
	b.MarkQueued()
	reg.TryAdd(a)
	reg.TryAdd(b)

	if got := len(reg.Query(ByKind(KindUpload))); got != 2 {
		t.Errorf("ByKind: expected 2, got %d", got)
	}
	if got := len(reg.Query(ByKind(KindDownload))); got != 0 {
		t.Errorf("ByKind download: expected 0, got %d", got)
	}
	if got := len(reg.Query(RunningFor(KindUpload, "f1"))); got != 1 {
		t.Errorf("RunningFor: expected 1, got %d", got)
	}
	if got := len(reg.Query(QueuedOf(KindUpload))); got != 1 {
		t.Errorf("QueuedOf: expected 1, got %d", got)
	}
	if got := reg.Query(ByPeer(KindUpload, "p2")); len(got) != 1 || got[0] != b {
		t.Errorf("ByPeer: expected [b], got %v", got)
	}
}

func TestRegistry_SchedulerPromotesEarliestQueued(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(mock, 5*time.Second, syncDispatcher{})

	op := newTestOperation(KindDownload, "f1")
	reg.TryAdd(op)
	op.MarkQueued()

	reg.StartScheduler()
	defer reg.StopScheduler()

	mock.Add(5 * time.Second)

	if !waitFor(func() bool { return op.State() == StateRunning }, time.Second) {
		t.Fatalf("queued download was not promoted, state %v", op.State())
	}
}

func TestRegistry_SchedulerSkipsWhileRunning(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(mock, 5*time.Second, syncDispatcher{})

	running := newTestOperation(KindDownload, "f1")
	reg.TryAdd(running)
	running.MarkQueued()
	running.Start()

	// The single-download invariant means a queued download can only share
	// the registry with a running one transiently; exercise the scheduler's
	// guard directly.
	reg.StartScheduler()
	defer reg.StopScheduler()

	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)

	if running.State() != StateRunning {
		t.Errorf("running download disturbed by scheduler: %v", running.State())
	}
}

func TestRegistry_StopSchedulerIsIdempotent(t *testing.T) {
	reg := newTestRegistry()
	reg.StartScheduler()
	reg.StopScheduler()
	reg.StopScheduler()
	reg.StartScheduler()
	reg.StopScheduler()
}
