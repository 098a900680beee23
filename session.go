package peerdrop

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/transport"
)

// sessionContext is the coordinator's explicit record of the shared channel
// state: which transport roles are currently held. Lifecycle transitions
// replace this state wholesale through teardown and rebuild instead of
// mutating it piecemeal. Accessed only on the serialized context.
type sessionContext struct {
	advertising *transport.DiscoveryPayload
	browsing    bool
}

// teardown releases every transport role and disconnects the shared session.
func (s *sessionContext) teardown(tr transport.Transport) {
	logrus.WithFields(logrus.Fields{
		"function":    "teardown",
		"advertising": s.advertising != nil,
		"browsing":    s.browsing,
	}).Debug("Tearing down session context")

	tr.StopAdvertising()
	tr.StopBrowsing()
	tr.Disconnect()
	*s = sessionContext{}
}

// rebuild re-acquires the roles recorded in the desired context.
func (s *sessionContext) rebuild(tr transport.Transport, desired sessionContext) error {
	if desired.browsing {
		if err := tr.Browse(); err != nil {
			return err
		}
		s.browsing = true
	}
	if desired.advertising != nil {
		if err := tr.Advertise(*desired.advertising); err != nil {
			return err
		}
		s.advertising = desired.advertising
	}
	return nil
}
