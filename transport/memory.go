package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// ErrNoSession indicates a resource send was attempted to a peer that is not
// connected on the shared session.
var ErrNoSession = errors.New("peer is not connected on the session")

// ErrUnknownPeer indicates the target peer has left the hub.
var ErrUnknownPeer = errors.New("peer not present on the hub")

// ErrEndpointClosed indicates the endpoint has been closed.
var ErrEndpointClosed = errors.New("endpoint is closed")

// memoryChunkSize is the copy granularity for loopback resource transfers.
const memoryChunkSize = 256 * 1024

// MemoryHub connects MemoryEndpoints in-process. It exists for integration
// tests and demos: events are delivered on per-endpoint goroutines, so the
// concurrency profile matches a real transport (callbacks arrive on threads
// the coordinator does not own), while the bytes never leave the process.
type MemoryHub struct {
	mu        sync.Mutex
	endpoints map[PeerID]*MemoryEndpoint
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{endpoints: make(map[PeerID]*MemoryEndpoint)}
}

// Endpoint joins the hub under the given peer identity and returns the
// endpoint. Joining twice under the same identity replaces the old endpoint.
func (h *MemoryHub) Endpoint(id PeerID) *MemoryEndpoint {
	e := &MemoryEndpoint{
		id:       id,
		hub:      h,
		sessions: make(map[PeerID]struct{}),
		inbox:    make(chan func(), 64),
		done:     make(chan struct{}),
	}
	go e.deliver()

	h.mu.Lock()
	h.endpoints[id] = e
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint",
		"peer_id":  id,
	}).Debug("Endpoint joined memory hub")

	return e
}

func (h *MemoryHub) lookup(id PeerID) *MemoryEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoints[id]
}

func (h *MemoryHub) others(id PeerID) []*MemoryEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]*MemoryEndpoint, 0, len(h.endpoints))
	for pid, e := range h.endpoints {
		if pid != id {
			peers = append(peers, e)
		}
	}
	return peers
}

func (h *MemoryHub) leave(id PeerID) {
	h.mu.Lock()
	delete(h.endpoints, id)
	h.mu.Unlock()
}

// MemoryEndpoint is one device on a MemoryHub. It implements Transport.
type MemoryEndpoint struct {
	id  PeerID
	hub *MemoryHub

	mu          sync.Mutex
	handler     Events
	advertising *DiscoveryPayload
	browsing    bool
	sessions    map[PeerID]struct{}
	closed      bool

	inbox chan func()
	done  chan struct{}
}

// ID returns the endpoint's peer identity.
func (e *MemoryEndpoint) ID() PeerID { return e.id }

// deliver runs handler callbacks one at a time, preserving event order per
// endpoint the way a real transport's delegate queue would.
func (e *MemoryEndpoint) deliver() {
	for {
		select {
		case fn := <-e.inbox:
			fn()
		case <-e.done:
			return
		}
	}
}

// emit queues an event for ordered delivery to this endpoint's handler.
func (e *MemoryEndpoint) emit(event func(h Events)) {
	e.mu.Lock()
	handler := e.handler
	closed := e.closed
	e.mu.Unlock()
	if handler == nil || closed {
		return
	}
	select {
	case e.inbox <- func() { event(handler) }:
	case <-e.done:
	}
}

// RegisterHandler installs the event handler.
func (e *MemoryEndpoint) RegisterHandler(handler Events) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

// Advertise announces the payload to every browsing endpoint on the hub.
func (e *MemoryEndpoint) Advertise(payload DiscoveryPayload) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEndpointClosed
	}
	e.advertising = &payload
	e.mu.Unlock()

	for _, other := range e.hub.others(e.id) {
		other.mu.Lock()
		browsing := other.browsing
		other.mu.Unlock()
		if browsing {
			other.emit(func(h Events) { h.PeerFound(e.id, payload) })
		}
	}
	return nil
}

// StopAdvertising withdraws the advertisement; browsers observe PeerLost.
func (e *MemoryEndpoint) StopAdvertising() {
	e.mu.Lock()
	wasAdvertising := e.advertising != nil
	e.advertising = nil
	e.mu.Unlock()
	if !wasAdvertising {
		return
	}

	for _, other := range e.hub.others(e.id) {
		other.mu.Lock()
		browsing := other.browsing
		other.mu.Unlock()
		if browsing {
			other.emit(func(h Events) { h.PeerLost(e.id) })
		}
	}
}

// Browse starts discovery; currently advertising endpoints are reported
// immediately.
func (e *MemoryEndpoint) Browse() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEndpointClosed
	}
	e.browsing = true
	e.mu.Unlock()

	for _, other := range e.hub.others(e.id) {
		other.mu.Lock()
		payload := other.advertising
		other.mu.Unlock()
		if payload != nil {
			p := *payload
			otherID := other.id
			e.emit(func(h Events) { h.PeerFound(otherID, p) })
		}
	}
	return nil
}

// StopBrowsing stops discovery.
func (e *MemoryEndpoint) StopBrowsing() {
	e.mu.Lock()
	e.browsing = false
	e.mu.Unlock()
}

// Invite delivers an invitation to the target peer. Acceptance connects both
// endpoints on the session; decline or expiry surfaces as SessionNotConnected
// on the inviter.
func (e *MemoryEndpoint) Invite(peer PeerID, context DiscoveryPayload, timeout time.Duration) error {
	target := e.hub.lookup(peer)
	if target == nil {
		return fmt.Errorf("invite %s: %w", peer, ErrUnknownPeer)
	}

	var once sync.Once
	decide := func(accept bool) {
		once.Do(func() {
			if accept {
				e.connect(target)
				return
			}
			e.emit(func(h Events) { h.SessionStateChanged(peer, SessionNotConnected) })
		})
	}

	if timeout > 0 {
		time.AfterFunc(timeout, func() { decide(false) })
	}

	target.emit(func(h Events) { h.InvitationReceived(e.id, context, decide) })
	return nil
}

// connect links two endpoints on the shared session.
func (e *MemoryEndpoint) connect(target *MemoryEndpoint) {
	e.mu.Lock()
	e.sessions[target.id] = struct{}{}
	e.mu.Unlock()

	target.mu.Lock()
	target.sessions[e.id] = struct{}{}
	target.mu.Unlock()

	e.emit(func(h Events) { h.SessionStateChanged(target.id, SessionConnected) })
	target.emit(func(h Events) { h.SessionStateChanged(e.id, SessionConnected) })
}

// SendResource streams the file to a connected peer. The receiver observes
// ResourceReceiveStarted with its own progress source, then
// ResourceReceiveFinished pointing at a temporary copy; the sender observes
// ResourceSendFinished.
func (e *MemoryEndpoint) SendResource(localPath, name string, peer PeerID) (ProgressSource, error) {
	e.mu.Lock()
	_, connected := e.sessions[peer]
	e.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("send %q to %s: %w", name, peer, ErrNoSession)
	}

	target := e.hub.lookup(peer)
	if target == nil {
		return nil, fmt.Errorf("send %q to %s: %w", name, peer, ErrUnknownPeer)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open resource %q: %w", localPath, err)
	}
	info, err := src.Stat()
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("stat resource %q: %w", localPath, err)
	}

	sendMeter := NewFractionMeter()
	recvMeter := NewFractionMeter()

	logrus.WithFields(logrus.Fields{
		"function": "SendResource",
		"name":     name,
		"peer_id":  peer,
		"size":     humanize.IBytes(uint64(info.Size())),
	}).Info("Starting loopback resource transfer")

	target.emit(func(h Events) { h.ResourceReceiveStarted(name, e.id, recvMeter) })

	go e.pump(src, info.Size(), name, target, sendMeter, recvMeter)

	return sendMeter, nil
}

// pump copies the resource into a temporary file, driving both meters.
func (e *MemoryEndpoint) pump(src *os.File, size int64, name string, target *MemoryEndpoint, sendMeter, recvMeter *FractionMeter) {
	defer src.Close()

	finish := func(tmpPath string, err error) {
		target.emit(func(h Events) { h.ResourceReceiveFinished(name, e.id, tmpPath, err) })
		e.emit(func(h Events) { h.ResourceSendFinished(name, target.id, err) })
	}

	dst, err := os.CreateTemp("", "peerdrop-recv-*")
	if err != nil {
		finish("", fmt.Errorf("create temporary resource: %w", err))
		return
	}

	var copied int64
	buf := make([]byte, memoryChunkSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				dst.Close()
				finish("", fmt.Errorf("write resource chunk: %w", writeErr))
				return
			}
			copied += int64(n)
			fraction := 1.0
			if size > 0 {
				fraction = float64(copied) / float64(size)
			}
			sendMeter.Update(fraction)
			recvMeter.Update(fraction)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			dst.Close()
			finish("", fmt.Errorf("read resource chunk: %w", readErr))
			return
		}
	}

	if err := dst.Close(); err != nil {
		finish("", fmt.Errorf("close temporary resource: %w", err))
		return
	}

	sendMeter.Update(1)
	recvMeter.Update(1)
	finish(dst.Name(), nil)
}

// Disconnect tears down the session; every connected peer on both sides
// observes SessionNotConnected.
func (e *MemoryEndpoint) Disconnect() {
	e.mu.Lock()
	peers := make([]PeerID, 0, len(e.sessions))
	for pid := range e.sessions {
		peers = append(peers, pid)
	}
	e.sessions = make(map[PeerID]struct{})
	e.mu.Unlock()

	for _, pid := range peers {
		pid := pid
		e.emit(func(h Events) { h.SessionStateChanged(pid, SessionNotConnected) })
		if other := e.hub.lookup(pid); other != nil {
			other.mu.Lock()
			delete(other.sessions, e.id)
			other.mu.Unlock()
			other.emit(func(h Events) { h.SessionStateChanged(e.id, SessionNotConnected) })
		}
	}
}

// Close disconnects, withdraws the advertisement, and leaves the hub.
func (e *MemoryEndpoint) Close() error {
	e.Disconnect()
	e.StopAdvertising()
	e.StopBrowsing()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.hub.leave(e.id)
	close(e.done)
	return nil
}
