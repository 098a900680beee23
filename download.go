package peerdrop

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/transfer"
	"github.com/opd-ai/peerdrop/transport"
)

// currentDownload returns the single registered download operation, if any.
func (c *Coordinator) currentDownload() *transfer.Operation {
	ops := c.registry.Query(transfer.ByKind(transfer.KindDownload))
	if len(ops) == 0 {
		return nil
	}
	return ops[0]
}

// beginAdvertising runs as the download's OnStart hook, on the serialized
// context, when the scheduler promotes it.
func (c *Coordinator) beginAdvertising(op *transfer.Operation) {
	payload := op.DiscoveryPayload()
	if err := c.tr.Advertise(payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "beginAdvertising",
			"operation_id": op.ID(),
			"file_id":      op.FileID(),
			"error":        err.Error(),
		}).Error("Failed to start advertising")
		c.finishDownload(op, "", fmt.Errorf("advertise: %w", err))
		return
	}
	c.session.advertising = &payload
	op.SetPhase(transfer.PhaseAdvertising)

	logrus.WithFields(logrus.Fields{
		"function":     "beginAdvertising",
		"operation_id": op.ID(),
		"file_id":      op.FileID(),
	}).Info("Advertising download interest")
}

// handleInvitation decides an incoming invitation: accepted iff the current
// download has no peer bound yet and the invitation's payload matches the
// operation's own exactly.
func (c *Coordinator) handleInvitation(peer transport.PeerID, payload transport.DiscoveryPayload, respond func(accept bool)) {
	op := c.currentDownload()
	if op == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleInvitation",
			"peer_id":  peer,
		}).Warn("Rejecting invitation: no download in progress")
		respond(false)
		return
	}

	if _, bound := op.Peer(); bound || !payload.Equal(op.DiscoveryPayload()) {
		logrus.WithFields(logrus.Fields{
			"function":     "handleInvitation",
			"operation_id": op.ID(),
			"peer_id":      peer,
			"peer_bound":   bound,
			"file_id":      payload.FileID,
		}).Warn("Rejecting invitation: peer already bound or payload mismatch")
		respond(false)
		return
	}

	respond(true)
	if err := op.BindPeer(peer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "handleInvitation",
			"operation_id": op.ID(),
			"peer_id":      peer,
			"error":        err.Error(),
		}).Warn("Ignoring invitation: bind failed")
		return
	}
	op.SetPhase(transfer.PhaseNegotiating)
	c.armAcceptTimeout(op)

	logrus.WithFields(logrus.Fields{
		"function":     "handleInvitation",
		"operation_id": op.ID(),
		"peer_id":      peer,
		"file_id":      op.FileID(),
	}).Info("Accepted invitation, negotiating")
}

// armAcceptTimeout arms the one-shot acceptance alarm for the operation.
// Firing is a no-op unless the same operation instance is still the current
// download and still negotiating.
func (c *Coordinator) armAcceptTimeout(op *transfer.Operation) {
	c.stopAcceptTimer()
	id := op.ID()
	c.acceptOpID = id
	c.acceptTimer = c.clk.AfterFunc(c.cfg.AcceptTimeout, func() {
		c.Async(func() { c.onAcceptTimeout(id) })
	})
}

// onAcceptTimeout fails the download if the peer never started sending.
func (c *Coordinator) onAcceptTimeout(id uuid.UUID) {
	op := c.currentDownload()
	if op == nil || op.ID() != id || op.Phase() != transfer.PhaseNegotiating {
		logrus.WithFields(logrus.Fields{
			"function":     "onAcceptTimeout",
			"operation_id": id,
		}).Debug("Ignoring stale acceptance timeout")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":     "onAcceptTimeout",
		"operation_id": op.ID(),
		"file_id":      op.FileID(),
		"timeout":      c.cfg.AcceptTimeout,
	}).Warn("Peer never started sending within acceptance timeout")

	c.finishDownload(op, "", ErrConnectionLost)
}

// handleReceiveStarted reacts to the bound peer beginning to send: the
// acceptance timeout is superseded, advertising stops, and incoming
// progress is attached.
func (c *Coordinator) handleReceiveStarted(name string, peer transport.PeerID, src transport.ProgressSource) {
	op := c.currentDownload()
	if op == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleReceiveStarted",
			"peer_id":  peer,
			"name":     name,
		}).Warn("Ignoring receive start: no download in progress")
		return
	}
	bound, ok := op.Peer()
	if !ok || bound != peer {
		logrus.WithFields(logrus.Fields{
			"function":     "handleReceiveStarted",
			"operation_id": op.ID(),
			"peer_id":      peer,
			"bound_peer":   bound,
		}).Warn("Ignoring receive start from unexpected peer")
		return
	}

	c.stopAcceptTimer()
	op.SetPhase(transfer.PhaseTransferring)
	c.tr.StopAdvertising()
	c.session.advertising = nil
	op.AttachProgressSource(src)

	logrus.WithFields(logrus.Fields{
		"function":     "handleReceiveStarted",
		"operation_id": op.ID(),
		"peer_id":      peer,
		"name":         name,
	}).Info("Receiving file from peer")
}

// handleReceiveFinished finalizes the download: the session is disconnected,
// the received resource is committed to permanent storage, and the
// completion callback fires exactly once.
func (c *Coordinator) handleReceiveFinished(name string, peer transport.PeerID, localPath string, terr error) {
	op := c.currentDownload()
	if op == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleReceiveFinished",
			"peer_id":  peer,
			"name":     name,
		}).Warn("Ignoring receive finish: no download in progress")
		return
	}
	bound, ok := op.Peer()
	if !ok || bound != peer {
		logrus.WithFields(logrus.Fields{
			"function":     "handleReceiveFinished",
			"operation_id": op.ID(),
			"peer_id":      peer,
			"bound_peer":   bound,
		}).Warn("Ignoring receive finish from unexpected peer")
		return
	}

	c.tr.Disconnect()

	if terr != nil {
		c.finishDownload(op, "", fmt.Errorf("transport: %w", terr))
		return
	}

	location, err := c.store.Commit(localPath, name)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "handleReceiveFinished",
			"operation_id": op.ID(),
			"name":         name,
			"error":        err.Error(),
		}).Error("Failed to commit received file")
		c.finishDownload(op, "", fmt.Errorf("%w: %v", ErrStorageCommitFailed, err))
		return
	}

	c.finishDownload(op, location, nil)
}

// finishDownload delivers the terminal outcome and evicts the operation.
func (c *Coordinator) finishDownload(op *transfer.Operation, location string, err error) {
	if c.acceptOpID == op.ID() {
		c.stopAcceptTimer()
	}
	op.Complete(transfer.Result{Location: location, Err: err})
	c.registry.Remove(op)
	op.Stop()
}
