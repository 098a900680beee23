// Package transport defines the peer transport contract consumed by the
// transfer coordinator: device discovery, invitations, session state, and
// raw resource send/receive. The concrete radio or network protocol lives
// behind the Transport interface; this package also ships an in-process
// loopback implementation for tests and demos.
package transport

import "time"

// PeerID identifies a remote device in the transport layer.
type PeerID string

// SessionState describes the connection state of a peer on the shared session.
type SessionState uint8

const (
	// SessionConnecting indicates a connection attempt is underway.
	SessionConnecting SessionState = iota
	// SessionConnected indicates the peer is connected on the shared session.
	SessionConnected
	// SessionNotConnected indicates the peer is not connected.
	SessionNotConnected
)

// String returns a human-readable session state name.
func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionNotConnected:
		return "not_connected"
	default:
		return "unknown"
	}
}

// PayloadTypeTransfer marks a discovery payload as a file transfer request.
const PayloadTypeTransfer = "transfer"

// DiscoveryPayload is the small key/value descriptor advertised by a device
// that wants a file. An advertised download and a candidate upload offer
// correlate iff their payloads compare equal.
type DiscoveryPayload struct {
	Type   string
	FileID string
}

// NewTransferPayload builds the discovery payload for a file identifier.
func NewTransferPayload(fileID string) DiscoveryPayload {
	return DiscoveryPayload{Type: PayloadTypeTransfer, FileID: fileID}
}

// Equal reports whether two payloads describe the same transfer request.
func (p DiscoveryPayload) Equal(other DiscoveryPayload) bool {
	return p.Type == other.Type && p.FileID == other.FileID
}

// IsTransfer reports whether the payload is a file transfer request.
func (p DiscoveryPayload) IsTransfer() bool {
	return p.Type == PayloadTypeTransfer
}

// Subscription is a handle to an active progress subscription.
// Unsubscribe detaches the observer; unsubscribing twice is a no-op.
type Subscription interface {
	Unsubscribe()
}

// ProgressSource emits monotonically non-decreasing fraction-complete
// updates in [0,1] for one resource transfer. Updates are delivered on the
// source's own goroutine; observers must hop to their own context.
type ProgressSource interface {
	Subscribe(fn func(fraction float64)) Subscription
}

// Events is the handler interface for asynchronous transport callbacks.
// Implementations must tolerate delivery from arbitrary goroutines.
type Events interface {
	// PeerFound reports a nearby peer advertising the given payload.
	PeerFound(peer PeerID, payload DiscoveryPayload)
	// PeerLost reports that a previously found peer disappeared.
	PeerLost(peer PeerID)
	// InvitationReceived reports an invitation from a peer carrying its
	// discovery payload as context. Exactly one call to respond decides it.
	InvitationReceived(peer PeerID, payload DiscoveryPayload, respond func(accept bool))
	// SessionStateChanged reports a session state change for a peer.
	SessionStateChanged(peer PeerID, state SessionState)
	// ResourceReceiveStarted reports that a peer began sending a resource.
	ResourceReceiveStarted(name string, peer PeerID, progress ProgressSource)
	// ResourceReceiveFinished reports the end of an incoming resource
	// transfer. localPath points at a temporary location valid until the
	// handler returns an outcome to storage; err is the transport error, if any.
	ResourceReceiveFinished(name string, peer PeerID, localPath string, err error)
	// ResourceSendFinished reports the end of an outgoing resource transfer.
	ResourceSendFinished(name string, peer PeerID, err error)
}

// Transport is the peer transport consumed by the coordinator. All methods
// are fire-and-forget from the caller's perspective; results arrive as Events.
type Transport interface {
	// RegisterHandler installs the event handler. Must be called before
	// Advertise or Browse.
	RegisterHandler(handler Events)

	// Advertise announces the payload to nearby browsing peers. Only one
	// advertisement may be active at a time.
	Advertise(payload DiscoveryPayload) error
	// StopAdvertising withdraws the current advertisement. Idempotent.
	StopAdvertising()

	// Browse starts discovering nearby advertising peers.
	Browse() error
	// StopBrowsing stops discovery. Idempotent.
	StopBrowsing()

	// Invite asks a peer to join the shared session, carrying context for
	// correlation. The invitation expires after timeout.
	Invite(peer PeerID, context DiscoveryPayload, timeout time.Duration) error

	// SendResource streams the file at localPath to a connected peer under
	// the given resource name. The returned source reports send progress;
	// completion arrives as a ResourceSendFinished event.
	SendResource(localPath, name string, peer PeerID) (ProgressSource, error)

	// Disconnect tears down the shared session. Every connected peer
	// observes SessionNotConnected. Idempotent.
	Disconnect()

	// Close releases the transport entirely.
	Close() error
}
