// Package transfer implements the per-attempt transfer operation entity and
// the thread-safe operation registry with its admission rules and promotion
// scheduler.
//
// An Operation holds the state of one upload or download attempt; the
// Registry stores live operations and atomically enforces the global
// admission invariants that keep conflicting roles off the single shared
// transport session.
package transfer

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/transport"
)

// ErrPeerAlreadyBound indicates a second attempt to bind a remote peer.
var ErrPeerAlreadyBound = errors.New("remote peer already bound")

// ErrInvalidTransition indicates a lifecycle transition from the wrong state.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Kind distinguishes upload from download attempts.
type Kind uint8

const (
	// KindDownload represents an attempt to fetch a file from a peer.
	KindDownload Kind = iota
	// KindUpload represents an attempt to serve a file to a peer.
	KindUpload
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindDownload:
		return "download"
	case KindUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// State is the coarse lifecycle state of an operation.
type State uint8

const (
	// StateCreated indicates the operation exists but is not yet admitted.
	StateCreated State = iota
	// StateQueued indicates the operation is admitted and waiting to start.
	StateQueued
	// StateRunning indicates the operation is actively negotiating or
	// transferring.
	StateRunning
	// StateFinishing indicates the terminal outcome has been delivered.
	StateFinishing
	// StateTerminated indicates the operation is evicted; terminal.
	StateTerminated
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateFinishing:
		return "finishing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Phase is the fine-grained coordinator phase within the Running state, kept
// on the operation for decision making and log correlation.
type Phase uint8

const (
	// PhaseNone is the phase of an operation that has not started.
	PhaseNone Phase = iota
	// PhaseAwaitingPermission: upload waiting on the permission gate.
	PhaseAwaitingPermission
	// PhaseAdvertising: download advertising its interest.
	PhaseAdvertising
	// PhaseNegotiating: download accepted an invitation, waiting for bytes.
	PhaseNegotiating
	// PhaseInviting: upload invitation sent, waiting for the session.
	PhaseInviting
	// PhaseConnecting: upload peer session coming up.
	PhaseConnecting
	// PhaseTransferring: bytes are moving.
	PhaseTransferring
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseAwaitingPermission:
		return "awaiting_permission"
	case PhaseAdvertising:
		return "advertising"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseInviting:
		return "inviting"
	case PhaseConnecting:
		return "connecting"
	case PhaseTransferring:
		return "transferring"
	default:
		return "unknown"
	}
}

// Dispatcher serializes functions onto the coordinator's callback context.
// All user-visible callback delivery and coordinator decision logic runs
// through one Dispatcher, so progress updates arriving on transport
// goroutines are handed off rather than applied in place.
type Dispatcher interface {
	Async(fn func())
}

// Hooks are the coordinator-installed reactions to operation lifecycle
// events. Operations hold hooks instead of a coordinator reference, so no
// reference cycle exists between the two.
type Hooks struct {
	// OnStart runs when the operation leaves Queued (downloads: begin
	// advertising; uploads: send the invitation).
	OnStart func(op *Operation)
	// OnStop runs once when the operation terminates (downloads: stop
	// advertising).
	OnStop func(op *Operation)
	// OnCancel runs when Cancel is called; cancellation has system-wide
	// effects and belongs to the coordinator.
	OnCancel func(op *Operation)
}

// Result is the terminal outcome of an operation: the permanent location for
// successful downloads, or the error that ended the attempt.
type Result struct {
	Location string
	Err      error
}

// Operation represents one upload or download attempt. Kind and FileID are
// immutable; the remote peer is bound exactly once.
type Operation struct {
	id       uuid.UUID
	kind     Kind
	fileID   string
	dispatch Dispatcher
	clk      clock.Clock

	mu         sync.Mutex
	state      State
	phase      Phase
	peer       transport.PeerID
	peerBound  bool
	fraction   float64
	progressFn func(fraction float64)
	completeFn func(res Result)
	hooks      Hooks
	sub        transport.Subscription

	lastTick time.Time
	speed    float64 // fraction per second, exponential moving average
}

// NewOperation creates an operation in the Created state.
func NewOperation(kind Kind, fileID string, dispatch Dispatcher, clk clock.Clock) *Operation {
	if clk == nil {
		clk = clock.New()
	}
	op := &Operation{
		id:       uuid.New(),
		kind:     kind,
		fileID:   fileID,
		dispatch: dispatch,
		clk:      clk,
		state:    StateCreated,
		phase:    PhaseNone,
		lastTick: clk.Now(),
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewOperation",
		"operation_id": op.id,
		"kind":         kind,
		"file_id":      fileID,
	}).Info("Created transfer operation")

	return op
}

// ID returns the unique identity of this attempt.
func (o *Operation) ID() uuid.UUID { return o.id }

// Kind returns the operation kind.
func (o *Operation) Kind() Kind { return o.kind }

// FileID returns the opaque file identifier.
func (o *Operation) FileID() string { return o.fileID }

// Peer returns the bound remote peer, if any.
func (o *Operation) Peer() (transport.PeerID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.peer, o.peerBound
}

// State returns the coarse lifecycle state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Phase returns the fine-grained coordinator phase.
func (o *Operation) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Fraction returns the current progress fraction in [0,1].
func (o *Operation) Fraction() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fraction
}

// Speed returns the smoothed progress rate in fraction per second.
func (o *Operation) Speed() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.speed
}

// EstimatedTimeRemaining returns the projected time to completion, or zero
// if the operation is not transferring or no rate has been observed.
func (o *Operation) EstimatedTimeRemaining() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning || o.speed <= 0 {
		return 0
	}
	remaining := (1 - o.fraction) / o.speed
	return time.Duration(remaining * float64(time.Second))
}

// DiscoveryPayload returns the descriptor advertised for this operation. Two
// operations correlate iff their payloads compare equal.
func (o *Operation) DiscoveryPayload() transport.DiscoveryPayload {
	return transport.NewTransferPayload(o.fileID)
}

// SetHooks installs the coordinator hooks. Must be called before the
// operation is admitted.
func (o *Operation) SetHooks(h Hooks) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = h
}

// OnProgress sets the user-visible progress callback.
func (o *Operation) OnProgress(fn func(fraction float64)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progressFn = fn
}

// OnComplete sets the user-visible completion callback.
func (o *Operation) OnComplete(fn func(res Result)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completeFn = fn
}

// BindPeer assigns the remote peer. Binding is permitted exactly once.
func (o *Operation) BindPeer(peer transport.PeerID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.peerBound {
		return ErrPeerAlreadyBound
	}
	o.peer = peer
	o.peerBound = true

	logrus.WithFields(logrus.Fields{
		"function":     "BindPeer",
		"operation_id": o.id,
		"peer_id":      peer,
	}).Debug("Bound remote peer to operation")

	return nil
}

// MarkQueued moves the operation from Created to Queued on admission.
func (o *Operation) MarkQueued() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateCreated {
		return ErrInvalidTransition
	}
	o.state = StateQueued
	return nil
}

// Start moves the operation from Queued to Running and fires the OnStart
// hook. Called on the coordinator's serialized context.
func (o *Operation) Start() error {
	o.mu.Lock()
	if o.state != StateQueued {
		o.mu.Unlock()
		return ErrInvalidTransition
	}
	o.state = StateRunning
	hook := o.hooks.OnStart
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Start",
		"operation_id": o.id,
		"kind":         o.kind,
		"file_id":      o.fileID,
	}).Info("Transfer operation started")

	if hook != nil {
		hook(o)
	}
	return nil
}

// SetPhase updates the fine-grained phase. Ignored after termination.
func (o *Operation) SetPhase(p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateTerminated {
		return
	}
	o.phase = p
}

// AttachProgressSource subscribes to a monotonic fraction source. Every
// update hops from the source's goroutine onto the dispatcher before it
// touches operation state or user callbacks.
func (o *Operation) AttachProgressSource(src transport.ProgressSource) {
	o.mu.Lock()
	if o.state == StateTerminated {
		o.mu.Unlock()
		return
	}
	if o.sub != nil {
		o.sub.Unsubscribe()
	}
	o.mu.Unlock()

	sub := src.Subscribe(func(fraction float64) {
		o.dispatch.Async(func() { o.applyProgress(fraction) })
	})

	o.mu.Lock()
	if o.state == StateTerminated {
		o.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	o.sub = sub
	o.mu.Unlock()
}

// applyProgress records a fraction update and invokes the progress callback.
// Runs on the dispatcher context only.
func (o *Operation) applyProgress(fraction float64) {
	o.mu.Lock()
	if o.state != StateRunning || fraction < o.fraction {
		o.mu.Unlock()
		return
	}
	now := o.clk.Now()
	elapsed := now.Sub(o.lastTick).Seconds()
	if elapsed > 0 {
		instant := (fraction - o.fraction) / elapsed
		if o.speed == 0 {
			o.speed = instant
		} else {
			o.speed = 0.7*o.speed + 0.3*instant
		}
	}
	o.lastTick = now
	o.fraction = fraction
	fn := o.progressFn
	o.mu.Unlock()

	if fn != nil {
		fn(fraction)
	}
}

// Complete delivers the terminal outcome through the completion callback
// exactly once and moves the operation to Finishing. Later calls are no-ops.
func (o *Operation) Complete(res Result) {
	o.mu.Lock()
	if o.state == StateFinishing || o.state == StateTerminated {
		o.mu.Unlock()
		return
	}
	o.state = StateFinishing
	o.phase = PhaseNone
	fn := o.completeFn
	o.completeFn = nil
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Complete",
		"operation_id": o.id,
		"kind":         o.kind,
		"file_id":      o.fileID,
		"location":     res.Location,
		"error":        res.Err,
	}).Info("Transfer operation finished")

	if fn != nil {
		fn(res)
	}
}

// Stop terminates the operation: the progress source is detached and both
// callbacks are released so late delivery is impossible. Idempotent.
func (o *Operation) Stop() {
	o.mu.Lock()
	if o.state == StateTerminated {
		o.mu.Unlock()
		return
	}
	o.state = StateTerminated
	o.phase = PhaseNone
	sub := o.sub
	o.sub = nil
	o.progressFn = nil
	o.completeFn = nil
	hook := o.hooks.OnStop
	o.hooks = Hooks{}
	o.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Stop",
		"operation_id": o.id,
		"kind":         o.kind,
		"file_id":      o.fileID,
	}).Debug("Transfer operation terminated")

	if hook != nil {
		hook(o)
	}
}

// Cancel delegates to the coordinator's cancellation path. Cancellation is
// not isolable to one operation: tearing down the shared session fails every
// active operation.
func (o *Operation) Cancel() {
	o.mu.Lock()
	hook := o.hooks.OnCancel
	o.mu.Unlock()
	if hook != nil {
		hook(o)
	}
}
