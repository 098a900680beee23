// Package peerdrop coordinates ad-hoc file transfer attempts between nearby
// devices sharing a single transport session: one device advertises interest
// in a file identified by an opaque key, and any device possessing that file
// may offer it.
//
// Example:
//
//	coord := peerdrop.New(peerdrop.DefaultConfig(), tr, store, nil, nil)
//	defer coord.Close()
//
//	coord.StartListening()
//
//	op, err := coord.RequestDownload("report.pdf",
//	    func(fraction float64) { fmt.Printf("%.0f%%\n", fraction*100) },
//	    func(location string, err error) {
//	        if err != nil {
//	            log.Fatal(err)
//	        }
//	        fmt.Println("saved to", location)
//	    })
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = op
package peerdrop

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/peerdrop/storage"
	"github.com/opd-ai/peerdrop/transfer"
	"github.com/opd-ai/peerdrop/transport"
)

// UploadProgressFunc receives the aggregate upload progress for a file: the
// arithmetic mean across every in-progress upload of that file.
type UploadProgressFunc func(fileID string, fraction float64)

// UploadCompleteFunc receives the single completion notification for a
// file's distribution, attached to whichever upload finished last.
type UploadCompleteFunc func(fileID string, peer transport.PeerID, err error)

// PermissionOverrideFunc replaces the permission gate with a synchronous
// per-request decision.
type PermissionOverrideFunc func(fileID string, peer transport.PeerID) bool

// Coordinator orchestrates transfer operations: it reacts to transport
// events and download requests, drives each operation through its lifecycle,
// arms and disarms timeouts, and aggregates completion and progress across
// sibling uploads.
//
// All decision logic and user-visible callback delivery run on one
// serialized context; transport events may arrive on arbitrary goroutines
// and are handed off. Only the registry is queried outside that context.
type Coordinator struct {
	cfg      Config
	tr       transport.Transport
	store    storage.Store
	gate     PermissionGate
	clk      clock.Clock
	registry *transfer.Registry
	disp     *dispatcher

	// Everything below is touched only on the serialized context.
	session            sessionContext
	listening          bool
	suspended          bool
	uploadProgressFn   UploadProgressFunc
	uploadCompleteFn   UploadCompleteFunc
	permissionOverride PermissionOverrideFunc
	pending            map[transport.PeerID]*transfer.Operation
	acceptTimer        *clock.Timer
	acceptOpID         uuid.UUID

	closeOnce sync.Once
	closeErr  error
}

// New creates a Coordinator. A nil gate auto-approves uploads; a nil clk
// selects the real clock.
func New(cfg Config, tr transport.Transport, store storage.Store, gate PermissionGate, clk clock.Clock) *Coordinator {
	if gate == nil {
		gate = AutoApprove{}
	}
	if clk == nil {
		clk = clock.New()
	}

	c := &Coordinator{
		cfg:     cfg,
		tr:      tr,
		store:   store,
		gate:    gate,
		clk:     clk,
		disp:    newDispatcher(),
		pending: make(map[transport.PeerID]*transfer.Operation),
	}
	c.registry = transfer.NewRegistry(clk, cfg.SchedulerInterval, c)
	tr.RegisterHandler(&transportEvents{c: c})

	logrus.WithFields(logrus.Fields{
		"function":           "New",
		"scheduler_interval": cfg.SchedulerInterval,
		"accept_timeout":     cfg.AcceptTimeout,
		"invite_timeout":     cfg.InviteTimeout,
	}).Info("Transfer coordinator created")

	return c
}

// Async schedules fn onto the coordinator's serialized context. It
// implements transfer.Dispatcher.
func (c *Coordinator) Async(fn func()) {
	c.disp.async(fn)
}

// Registry exposes the operation registry for inspection.
func (c *Coordinator) Registry() *transfer.Registry {
	return c.registry
}

// RequestDownload builds a download operation for the file and submits it
// for admission. The conflict with an existing operation is reported
// synchronously as ErrAlreadyInProgress; otherwise the operation is queued
// and will start advertising on a later scheduler tick.
func (c *Coordinator) RequestDownload(fileID string, onProgress func(fraction float64), onComplete func(location string, err error)) (*transfer.Operation, error) {
	logrus.WithFields(logrus.Fields{
		"function": "RequestDownload",
		"file_id":  fileID,
	}).Info("Download requested")

	op := transfer.NewOperation(transfer.KindDownload, fileID, c, c.clk)
	op.OnProgress(onProgress)
	op.OnComplete(func(res transfer.Result) {
		if onComplete != nil {
			onComplete(res.Location, res.Err)
		}
	})
	op.SetHooks(transfer.Hooks{
		OnStart: c.beginAdvertising,
		// Termination implies eviction: Stop is a public surface, so the
		// hook cannot assume an internal caller already removed the
		// operation. Hopping onto the serialized context also keeps the
		// session fields single-goroutine.
		OnStop: func(op *transfer.Operation) {
			c.Async(func() {
				c.registry.Remove(op)
				c.tr.StopAdvertising()
				c.session.advertising = nil
			})
		},
		OnCancel: func(*transfer.Operation) {
			c.Async(c.cancelAll)
		},
	})

	if !c.registry.TryAdd(op) {
		logrus.WithFields(logrus.Fields{
			"function": "RequestDownload",
			"file_id":  fileID,
		}).Info("Download rejected: transfer already in progress")
		return nil, ErrAlreadyInProgress
	}

	if err := op.MarkQueued(); err != nil {
		c.registry.Remove(op)
		return nil, err
	}
	return op, nil
}

// SetUploadCallbacks installs the user-visible upload progress and
// completion callbacks.
func (c *Coordinator) SetUploadCallbacks(onProgress UploadProgressFunc, onComplete UploadCompleteFunc) {
	c.Async(func() {
		c.uploadProgressFn = onProgress
		c.uploadCompleteFn = onComplete
	})
}

// SetUploadPermissionOverride installs a synchronous decision in place of
// the permission gate. Passing nil restores the gate.
func (c *Coordinator) SetUploadPermissionOverride(fn PermissionOverrideFunc) {
	c.Async(func() {
		c.permissionOverride = fn
	})
}

// StartListening begins browsing for peers that want files this device has,
// and starts the download promotion scheduler.
func (c *Coordinator) StartListening() {
	c.Async(func() {
		if c.listening || c.suspended {
			return
		}
		if err := c.tr.Browse(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "StartListening",
				"error":    err.Error(),
			}).Error("Failed to start browsing")
			return
		}
		c.session.browsing = true
		c.registry.StartScheduler()
		c.listening = true

		logrus.WithFields(logrus.Fields{
			"function": "StartListening",
		}).Info("Listening for nearby peers")
	})
}

// StopListening stops browsing and the promotion scheduler. Operations
// already in flight are unaffected.
func (c *Coordinator) StopListening() {
	c.Async(func() {
		if !c.listening {
			return
		}
		c.tr.StopBrowsing()
		c.session.browsing = false
		c.registry.StopScheduler()
		c.listening = false

		logrus.WithFields(logrus.Fields{
			"function": "StopListening",
		}).Info("Stopped listening")
	})
}

// Suspend tears down the shared channel for a process lifecycle transition.
// Every active operation fails with ErrCancelled; whether the coordinator
// was listening is remembered for Resume.
func (c *Coordinator) Suspend() {
	c.Async(func() {
		if c.suspended {
			return
		}
		c.suspended = true

		logrus.WithFields(logrus.Fields{
			"function":  "Suspend",
			"listening": c.listening,
		}).Info("Suspending coordinator")

		c.cancelOperations()
		c.session.teardown(c.tr)
		c.registry.StopScheduler()
	})
}

// Resume rebuilds the session context after Suspend.
func (c *Coordinator) Resume() {
	c.Async(func() {
		if !c.suspended {
			return
		}
		c.suspended = false

		logrus.WithFields(logrus.Fields{
			"function":  "Resume",
			"listening": c.listening,
		}).Info("Resuming coordinator")

		if !c.listening {
			return
		}
		if err := c.session.rebuild(c.tr, sessionContext{browsing: true}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Resume",
				"error":    err.Error(),
			}).Error("Failed to rebuild session context")
			c.listening = false
			return
		}
		c.registry.StartScheduler()
	})
}

// CancelAll finishes every current operation with ErrCancelled, clears the
// registry, and tears down the shared session. Browsing is re-acquired if
// the coordinator was listening.
func (c *Coordinator) CancelAll() {
	c.Async(c.cancelAll)
}

// cancelAll runs on the serialized context.
func (c *Coordinator) cancelAll() {
	logrus.WithFields(logrus.Fields{
		"function":   "cancelAll",
		"registered": c.registry.Len(),
		"pending":    len(c.pending),
	}).Info("Cancelling all transfer operations")

	c.cancelOperations()
	c.session.teardown(c.tr)

	if c.listening && !c.suspended {
		if err := c.session.rebuild(c.tr, sessionContext{browsing: true}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "cancelAll",
				"error":    err.Error(),
			}).Error("Failed to resume browsing after cancel")
			c.listening = false
		}
	}
}

// cancelOperations fails every pending and registered operation with
// ErrCancelled. Cancellation is coarse: the shared session cannot abort one
// transfer without dropping the rest, so suppression of sibling upload
// callbacks does not apply here — every operation reports its outcome.
func (c *Coordinator) cancelOperations() {
	c.stopAcceptTimer()

	for peer, op := range c.pending {
		delete(c.pending, peer)
		op.Stop()
	}

	for _, op := range c.registry.Clear() {
		op.Complete(transfer.Result{Err: ErrCancelled})
		op.Stop()
	}
}

// stopAcceptTimer disarms the acceptance timeout, if armed.
func (c *Coordinator) stopAcceptTimer() {
	if c.acceptTimer != nil {
		c.acceptTimer.Stop()
		c.acceptTimer = nil
	}
	c.acceptOpID = uuid.UUID{}
}

// Close cancels everything, stops the serialized context, and releases the
// transport.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		done := make(chan struct{})
		c.Async(func() {
			c.cancelOperations()
			c.session.teardown(c.tr)
			c.registry.StopScheduler()
			c.listening = false
			close(done)
		})
		<-done
		c.disp.close()
		c.closeErr = multierr.Append(c.closeErr, c.tr.Close())
	})
	return c.closeErr
}

// dispatcher is the coordinator's serialized callback context: one goroutine
// draining an unbounded queue. Unbounded so the loop may safely enqueue work
// for itself without deadlocking.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) async(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
	d.mu.Unlock()
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}
