package transfer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/transport"
)

// DefaultSchedulerInterval is the default period of the promotion scheduler.
// Promotion is rate-limited because only one advertiser may be alive at a
// time and rapid advertise restarts are unreliable on real transports.
const DefaultSchedulerInterval = 5 * time.Second

// Predicate filters operations in a registry query.
type Predicate func(op *Operation) bool

// ByKind matches operations of the given kind.
func ByKind(k Kind) Predicate {
	return func(op *Operation) bool { return op.Kind() == k }
}

// QueuedOf matches admitted operations of the given kind that have not
// started yet.
func QueuedOf(k Kind) Predicate {
	return func(op *Operation) bool {
		return op.Kind() == k && op.State() == StateQueued
	}
}

// RunningFor matches running operations of the given kind and file.
func RunningFor(k Kind, fileID string) Predicate {
	return func(op *Operation) bool {
		return op.Kind() == k && op.FileID() == fileID && op.State() == StateRunning
	}
}

// ByPeer matches operations of the given kind bound to the peer.
func ByPeer(k Kind, peer transport.PeerID) Predicate {
	return func(op *Operation) bool {
		if op.Kind() != k {
			return false
		}
		p, bound := op.Peer()
		return bound && p == peer
	}
}

// Registry is the thread-safe, ordered collection of live operations.
// Admission, removal, and clearing are exclusive operations; queries take a
// shared lock so concurrent transport goroutines can filter together.
// The registry stores and filters operations; it never creates or destroys
// them.
type Registry struct {
	mu  sync.RWMutex
	ops []*Operation

	clk      clock.Clock
	interval time.Duration
	dispatch Dispatcher

	schedMu sync.Mutex
	stop    chan struct{}
}

// NewRegistry creates an empty registry. The dispatcher serializes scheduler
// ticks onto the coordinator context; a nil clock selects the real clock.
func NewRegistry(clk clock.Clock, interval time.Duration, dispatch Dispatcher) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultSchedulerInterval
	}
	return &Registry{
		clk:      clk,
		interval: interval,
		dispatch: dispatch,
	}
}

// TryAdd admits the operation iff the registry invariants still hold after
// insertion, as one exclusive check-and-insert step:
//
//   - at most one download operation system-wide,
//   - at most one upload operation per distinct remote peer,
//   - uploads and downloads never registered together.
//
// A false return is a legitimate admission conflict, not a fault; the
// registry is unchanged.
func (r *Registry) TryAdd(op *Operation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if op.State() == StateTerminated {
		return false
	}

	switch op.Kind() {
	case KindDownload:
		// A download conflicts with any registered operation: a second
		// download, or uploads already holding the session.
		if len(r.ops) > 0 {
			r.logRejection(op, "registry not empty")
			return false
		}
	case KindUpload:
		peer, bound := op.Peer()
		if !bound {
			r.logRejection(op, "upload has no bound peer")
			return false
		}
		for _, existing := range r.ops {
			if existing.Kind() == KindDownload {
				r.logRejection(op, "download in progress")
				return false
			}
			p, b := existing.Peer()
			if b && p == peer {
				r.logRejection(op, "upload to peer already registered")
				return false
			}
		}
	}

	r.ops = append(r.ops, op)

	logrus.WithFields(logrus.Fields{
		"function":     "TryAdd",
		"operation_id": op.ID(),
		"kind":         op.Kind(),
		"file_id":      op.FileID(),
		"registered":   len(r.ops),
	}).Info("Operation admitted to registry")

	return true
}

func (r *Registry) logRejection(op *Operation, reason string) {
	logrus.WithFields(logrus.Fields{
		"function":     "TryAdd",
		"operation_id": op.ID(),
		"kind":         op.Kind(),
		"file_id":      op.FileID(),
		"reason":       reason,
	}).Debug("Operation admission rejected")
}

// Remove evicts the operation. Returns false if it was not registered.
func (r *Registry) Remove(op *Operation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.ops {
		if existing == op {
			r.ops = append(r.ops[:i], r.ops[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes every operation and returns them in insertion order. Used
// only during full teardown.
func (r *Registry) Clear() []*Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := r.ops
	r.ops = nil
	return ops
}

// Query returns a snapshot of the operations matching the predicate, in
// insertion order. A nil predicate matches everything.
func (r *Registry) Query(pred Predicate) []*Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Operation
	for _, op := range r.ops {
		if pred == nil || pred(op) {
			out = append(out, op)
		}
	}
	return out
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}

// StartScheduler begins the periodic promotion tick. Each tick is dispatched
// onto the coordinator context, where it promotes the earliest-queued
// download if no download is currently running. Calling it while a scheduler
// is already running is a no-op.
func (r *Registry) StartScheduler() {
	r.schedMu.Lock()
	defer r.schedMu.Unlock()
	if r.stop != nil {
		return
	}
	stop := make(chan struct{})
	r.stop = stop

	ticker := r.clk.Ticker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.dispatch.Async(r.promoteQueued)
			case <-stop:
				return
			}
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "StartScheduler",
		"interval": r.interval,
	}).Debug("Promotion scheduler started")
}

// StopScheduler halts the promotion tick. Idempotent.
func (r *Registry) StopScheduler() {
	r.schedMu.Lock()
	defer r.schedMu.Unlock()
	if r.stop == nil {
		return
	}
	close(r.stop)
	r.stop = nil

	logrus.WithFields(logrus.Fields{
		"function": "StopScheduler",
	}).Debug("Promotion scheduler stopped")
}

// promoteQueued starts the earliest-queued download when none is running.
// Runs on the coordinator's serialized context.
func (r *Registry) promoteQueued() {
	running := r.Query(func(op *Operation) bool {
		return op.Kind() == KindDownload && op.State() == StateRunning
	})
	if len(running) > 0 {
		return
	}

	queued := r.Query(QueuedOf(KindDownload))
	if len(queued) == 0 {
		return
	}

	op := queued[0]
	if err := op.Start(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "promoteQueued",
			"operation_id": op.ID(),
			"error":        err.Error(),
		}).Warn("Failed to promote queued download")
	}
}
