package peerdrop

import "github.com/opd-ai/peerdrop/transport"

// PermissionGate decides whether this device may serve an upload. The
// decision is asynchronous: implementations call respond exactly once, from
// any goroutine, when the answer is known.
type PermissionGate interface {
	RequestPermission(fileID string, peer transport.PeerID, respond func(granted bool))
}

// PermissionFunc adapts a function to the PermissionGate interface.
type PermissionFunc func(fileID string, peer transport.PeerID, respond func(granted bool))

// RequestPermission implements PermissionGate.
func (f PermissionFunc) RequestPermission(fileID string, peer transport.PeerID, respond func(granted bool)) {
	f(fileID, peer, respond)
}

// AutoApprove grants every upload request. It is the default gate when none
// is supplied.
type AutoApprove struct{}

// RequestPermission implements PermissionGate.
func (AutoApprove) RequestPermission(_ string, _ transport.PeerID, respond func(granted bool)) {
	respond(true)
}
