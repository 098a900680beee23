package peerdrop

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/peerdrop/transport"
)

// mockStore implements storage.Store over an in-memory file table.
type mockStore struct {
	mu        sync.Mutex
	files     map[string]string
	commitErr error
	committed []string
}

func newMockStore(files map[string]string) *mockStore {
	if files == nil {
		files = make(map[string]string)
	}
	return &mockStore{files: files}
}

func (s *mockStore) Exists(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[fileID]
	return ok
}

func (s *mockStore) Locate(fileID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.files[fileID]
	if !ok {
		return "", fmt.Errorf("no such file %q", fileID)
	}
	return path, nil
}

func (s *mockStore) Commit(tempPath, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return "", s.commitErr
	}
	location := "/permanent/" + name
	s.committed = append(s.committed, location)
	return location, nil
}

// mockTransport records transport calls and lets tests inject events, in the
// same shape the real transport would deliver them.
type mockTransport struct {
	mu              sync.Mutex
	handler         transport.Events
	advertised      []transport.DiscoveryPayload
	stopAdvertising int
	browsing        int
	stopBrowsing    int
	invites         []mockInvite
	sends           []mockSend
	disconnects     int

	advertiseErr error
	inviteErr    error
	sendErr      error

	meters map[transport.PeerID]*transport.FractionMeter
}

type mockInvite struct {
	peer    transport.PeerID
	context transport.DiscoveryPayload
	timeout time.Duration
}

type mockSend struct {
	localPath string
	name      string
	peer      transport.PeerID
}

func newMockTransport() *mockTransport {
	return &mockTransport{meters: make(map[transport.PeerID]*transport.FractionMeter)}
}

func (m *mockTransport) RegisterHandler(handler transport.Events) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *mockTransport) Advertise(payload transport.DiscoveryPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advertiseErr != nil {
		return m.advertiseErr
	}
	m.advertised = append(m.advertised, payload)
	return nil
}

func (m *mockTransport) StopAdvertising() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopAdvertising++
}

func (m *mockTransport) Browse() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.browsing++
	return nil
}

func (m *mockTransport) StopBrowsing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopBrowsing++
}

func (m *mockTransport) Invite(peer transport.PeerID, context transport.DiscoveryPayload, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inviteErr != nil {
		return m.inviteErr
	}
	m.invites = append(m.invites, mockInvite{peer: peer, context: context, timeout: timeout})
	return nil
}

func (m *mockTransport) SendResource(localPath, name string, peer transport.PeerID) (transport.ProgressSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sends = append(m.sends, mockSend{localPath: localPath, name: name, peer: peer})
	meter := transport.NewFractionMeter()
	m.meters[peer] = meter
	return meter, nil
}

func (m *mockTransport) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
}

func (m *mockTransport) Close() error { return nil }

func (m *mockTransport) events() transport.Events {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

func (m *mockTransport) advertisedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.advertised)
}

func (m *mockTransport) inviteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.invites)
}

func (m *mockTransport) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

func (m *mockTransport) stopAdvertisingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopAdvertising
}

func (m *mockTransport) disconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

func (m *mockTransport) meter(peer transport.PeerID) *transport.FractionMeter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meters[peer]
}

func (m *mockTransport) emitPeerFound(peer transport.PeerID, payload transport.DiscoveryPayload) {
	m.events().PeerFound(peer, payload)
}

func (m *mockTransport) emitPeerLost(peer transport.PeerID) {
	m.events().PeerLost(peer)
}

func (m *mockTransport) emitInvitation(peer transport.PeerID, payload transport.DiscoveryPayload, respond func(bool)) {
	m.events().InvitationReceived(peer, payload, respond)
}

func (m *mockTransport) emitSessionState(peer transport.PeerID, state transport.SessionState) {
	m.events().SessionStateChanged(peer, state)
}

func (m *mockTransport) emitReceiveStarted(name string, peer transport.PeerID, src transport.ProgressSource) {
	m.events().ResourceReceiveStarted(name, peer, src)
}

func (m *mockTransport) emitReceiveFinished(name string, peer transport.PeerID, localPath string, err error) {
	m.events().ResourceReceiveFinished(name, peer, localPath, err)
}

func (m *mockTransport) emitSendFinished(name string, peer transport.PeerID, err error) {
	m.events().ResourceSendFinished(name, peer, err)
}

// flush waits until every event queued so far has been handled on the
// coordinator's serialized context.
func flush(c *Coordinator) {
	done := make(chan struct{})
	c.Async(func() { close(done) })
	<-done
}
