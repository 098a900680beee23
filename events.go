package peerdrop

import "github.com/opd-ai/peerdrop/transport"

// transportEvents adapts transport callbacks, which arrive on goroutines the
// coordinator does not own, onto the serialized context.
type transportEvents struct {
	c *Coordinator
}

func (e *transportEvents) PeerFound(peer transport.PeerID, payload transport.DiscoveryPayload) {
	e.c.Async(func() { e.c.handlePeerFound(peer, payload) })
}

func (e *transportEvents) PeerLost(peer transport.PeerID) {
	e.c.Async(func() { e.c.handlePeerLost(peer) })
}

func (e *transportEvents) InvitationReceived(peer transport.PeerID, payload transport.DiscoveryPayload, respond func(accept bool)) {
	e.c.Async(func() { e.c.handleInvitation(peer, payload, respond) })
}

func (e *transportEvents) SessionStateChanged(peer transport.PeerID, state transport.SessionState) {
	e.c.Async(func() { e.c.handleSessionState(peer, state) })
}

func (e *transportEvents) ResourceReceiveStarted(name string, peer transport.PeerID, progress transport.ProgressSource) {
	e.c.Async(func() { e.c.handleReceiveStarted(name, peer, progress) })
}

func (e *transportEvents) ResourceReceiveFinished(name string, peer transport.PeerID, localPath string, err error) {
	e.c.Async(func() { e.c.handleReceiveFinished(name, peer, localPath, err) })
}

func (e *transportEvents) ResourceSendFinished(name string, peer transport.PeerID, err error) {
	e.c.Async(func() { e.c.handleSendFinished(name, peer, err) })
}
