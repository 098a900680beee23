package peerdrop

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/transfer"
	"github.com/opd-ai/peerdrop/transport"
)

// uploadFor returns the registered upload bound to the peer, if any.
func (c *Coordinator) uploadFor(peer transport.PeerID) *transfer.Operation {
	ops := c.registry.Query(transfer.ByPeer(transfer.KindUpload, peer))
	if len(ops) == 0 {
		return nil
	}
	return ops[0]
}

// handlePeerFound reacts to a nearby peer advertising a transfer payload: if
// this device has the file and no download holds the session, an upload
// attempt is created and routed through the permission gate.
func (c *Coordinator) handlePeerFound(peer transport.PeerID, payload transport.DiscoveryPayload) {
	if !payload.IsTransfer() {
		logrus.WithFields(logrus.Fields{
			"function": "handlePeerFound",
			"peer_id":  peer,
			"type":     payload.Type,
		}).Debug("Ignoring peer with non-transfer payload")
		return
	}
	if c.suspended {
		return
	}
	if c.currentDownload() != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePeerFound",
			"peer_id":  peer,
			"file_id":  payload.FileID,
		}).Debug("Ignoring peer: download owns the session")
		return
	}
	if c.pending[peer] != nil || c.uploadFor(peer) != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePeerFound",
			"peer_id":  peer,
		}).Debug("Ignoring peer: upload attempt already exists")
		return
	}
	if !c.store.Exists(payload.FileID) {
		logrus.WithFields(logrus.Fields{
			"function": "handlePeerFound",
			"peer_id":  peer,
			"file_id":  payload.FileID,
		}).Debug("Ignoring peer: file not present in store")
		return
	}

	op := c.buildUpload(peer, payload.FileID)

	if c.permissionOverride != nil {
		if c.permissionOverride(payload.FileID, peer) {
			c.admitUpload(op)
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "handlePeerFound",
				"peer_id":  peer,
				"file_id":  payload.FileID,
			}).Info("Upload denied by permission override")
			op.Stop()
		}
		return
	}

	c.pending[peer] = op
	c.gate.RequestPermission(payload.FileID, peer, func(granted bool) {
		c.Async(func() { c.onPermission(peer, granted) })
	})
}

// buildUpload constructs an upload operation bound to a peer and file.
func (c *Coordinator) buildUpload(peer transport.PeerID, fileID string) *transfer.Operation {
	op := transfer.NewOperation(transfer.KindUpload, fileID, c, c.clk)
	if err := op.BindPeer(peer); err != nil {
		// Fresh operation, first bind; cannot fail.
		logrus.WithFields(logrus.Fields{
			"function": "buildUpload",
			"peer_id":  peer,
			"error":    err.Error(),
		}).Error("Unexpected bind failure on new upload")
	}
	op.SetPhase(transfer.PhaseAwaitingPermission)
	op.SetHooks(transfer.Hooks{
		OnStart: c.sendInvite,
		// Termination implies eviction, even when Stop is invoked from
		// outside the coordinator's internal paths.
		OnStop: func(op *transfer.Operation) {
			c.Async(func() {
				c.registry.Remove(op)
				if c.pending[peer] == op {
					delete(c.pending, peer)
				}
			})
		},
		OnCancel: func(*transfer.Operation) {
			c.Async(c.cancelAll)
		},
	})
	op.OnProgress(func(float64) {
		c.emitUploadProgress(fileID)
	})
	op.OnComplete(func(res transfer.Result) {
		if fn := c.uploadCompleteFn; fn != nil {
			fn(fileID, peer, res.Err)
		}
	})
	return op
}

// onPermission resolves a pending permission request.
func (c *Coordinator) onPermission(peer transport.PeerID, granted bool) {
	op := c.pending[peer]
	if op == nil {
		logrus.WithFields(logrus.Fields{
			"function": "onPermission",
			"peer_id":  peer,
		}).Debug("Ignoring permission decision for unknown peer")
		return
	}
	delete(c.pending, peer)

	if !granted {
		logrus.WithFields(logrus.Fields{
			"function": "onPermission",
			"peer_id":  peer,
			"file_id":  op.FileID(),
		}).Info("Upload permission denied")
		op.Stop()
		return
	}

	c.admitUpload(op)
}

// admitUpload submits the granted upload for admission and starts it. An
// admission conflict drops the attempt silently.
func (c *Coordinator) admitUpload(op *transfer.Operation) {
	if !c.registry.TryAdd(op) {
		logrus.WithFields(logrus.Fields{
			"function":     "admitUpload",
			"operation_id": op.ID(),
			"file_id":      op.FileID(),
		}).Debug("Upload dropped: admission conflict")
		op.Stop()
		return
	}
	if err := op.MarkQueued(); err != nil {
		c.registry.Remove(op)
		op.Stop()
		return
	}
	if err := op.Start(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "admitUpload",
			"operation_id": op.ID(),
			"error":        err.Error(),
		}).Warn("Failed to start admitted upload")
		c.registry.Remove(op)
		op.Stop()
	}
}

// sendInvite runs as the upload's OnStart hook: the invitation carries the
// operation's discovery payload so the downloader can correlate it.
func (c *Coordinator) sendInvite(op *transfer.Operation) {
	peer, _ := op.Peer()
	op.SetPhase(transfer.PhaseInviting)

	logrus.WithFields(logrus.Fields{
		"function":     "sendInvite",
		"operation_id": op.ID(),
		"peer_id":      peer,
		"file_id":      op.FileID(),
	}).Info("Inviting peer to receive file")

	if err := c.tr.Invite(peer, op.DiscoveryPayload(), c.cfg.InviteTimeout); err != nil {
		c.finishUpload(op, fmt.Errorf("invite: %w", err))
	}
}

// handleSessionState reacts to session state changes for a peer.
func (c *Coordinator) handleSessionState(peer transport.PeerID, state transport.SessionState) {
	switch state {
	case transport.SessionConnected:
		op := c.uploadFor(peer)
		if op == nil || op.Phase() != transfer.PhaseInviting {
			logrus.WithFields(logrus.Fields{
				"function": "handleSessionState",
				"peer_id":  peer,
				"state":    state,
			}).Debug("Ignoring session connect without a matching invitation")
			return
		}
		op.SetPhase(transfer.PhaseConnecting)
		c.beginSending(op, peer)

	case transport.SessionNotConnected:
		op := c.uploadFor(peer)
		if op != nil && op.Fraction() < 1 {
			logrus.WithFields(logrus.Fields{
				"function":     "handleSessionState",
				"operation_id": op.ID(),
				"peer_id":      peer,
				"fraction":     op.Fraction(),
			}).Warn("Peer disconnected before upload completed")
			c.finishUpload(op, ErrConnectionLost)
		}

	case transport.SessionConnecting:
		logrus.WithFields(logrus.Fields{
			"function": "handleSessionState",
			"peer_id":  peer,
		}).Debug("Peer session connecting")
	}
}

// beginSending looks up the file and hands it to the transport, attaching
// the outgoing progress source.
func (c *Coordinator) beginSending(op *transfer.Operation, peer transport.PeerID) {
	location, err := c.store.Locate(op.FileID())
	if err != nil {
		c.finishUpload(op, fmt.Errorf("locate %q: %w", op.FileID(), err))
		return
	}

	src, err := c.tr.SendResource(location, op.FileID(), peer)
	if err != nil {
		c.finishUpload(op, fmt.Errorf("send: %w", err))
		return
	}

	op.SetPhase(transfer.PhaseTransferring)
	op.AttachProgressSource(src)

	logrus.WithFields(logrus.Fields{
		"function":     "beginSending",
		"operation_id": op.ID(),
		"peer_id":      peer,
		"file_id":      op.FileID(),
	}).Info("Sending file to peer")
}

// handlePeerLost reacts to a peer disappearing before its session came up.
// An attempt still awaiting permission was never admitted, so it ends
// silently: no completion callback, no ConnectionLost. Only an invited or
// connecting upload reports the loss.
func (c *Coordinator) handlePeerLost(peer transport.PeerID) {
	if op := c.pending[peer]; op != nil {
		delete(c.pending, peer)
		op.Stop()
		logrus.WithFields(logrus.Fields{
			"function": "handlePeerLost",
			"peer_id":  peer,
		}).Debug("Peer lost before permission decision")
		return
	}

	op := c.uploadFor(peer)
	if op == nil {
		return
	}
	if phase := op.Phase(); phase == transfer.PhaseInviting || phase == transfer.PhaseConnecting {
		logrus.WithFields(logrus.Fields{
			"function":     "handlePeerLost",
			"operation_id": op.ID(),
			"peer_id":      peer,
			"phase":        phase,
		}).Warn("Peer lost before invitation was accepted")
		c.finishUpload(op, ErrConnectionLost)
	}
}

// handleSendFinished finalizes an upload on the transport's completion
// notification for the sent resource.
func (c *Coordinator) handleSendFinished(name string, peer transport.PeerID, terr error) {
	op := c.uploadFor(peer)
	if op == nil || op.FileID() != name {
		logrus.WithFields(logrus.Fields{
			"function": "handleSendFinished",
			"peer_id":  peer,
			"name":     name,
		}).Warn("Ignoring send finish without a matching upload")
		return
	}

	if terr != nil {
		c.finishUpload(op, fmt.Errorf("transport: %w", terr))
		return
	}
	c.finishUpload(op, nil)
}

// emitUploadProgress reports the arithmetic mean of progress across every
// in-progress upload of the file, not any single operation's own fraction.
func (c *Coordinator) emitUploadProgress(fileID string) {
	fn := c.uploadProgressFn
	if fn == nil {
		return
	}

	siblings := c.registry.Query(func(op *transfer.Operation) bool {
		return op.Kind() == transfer.KindUpload && op.FileID() == fileID && op.State() == transfer.StateRunning
	})
	if len(siblings) == 0 {
		return
	}

	var sum float64
	for _, sibling := range siblings {
		sum += sibling.Fraction()
	}
	fn(fileID, sum/float64(len(siblings)))
}

// finishUpload evicts the upload and applies the fan-in completion barrier:
// the user-visible completion callback fires only on the operation that is
// the last in-progress upload of its file at the moment it finishes.
func (c *Coordinator) finishUpload(op *transfer.Operation, err error) {
	c.registry.Remove(op)

	siblings := c.registry.Query(func(other *transfer.Operation) bool {
		return other.Kind() == transfer.KindUpload && other.FileID() == op.FileID() && other.State() != transfer.StateTerminated
	})
	if len(siblings) == 0 {
		op.Complete(transfer.Result{Err: err})
	} else {
		logrus.WithFields(logrus.Fields{
			"function":     "finishUpload",
			"operation_id": op.ID(),
			"file_id":      op.FileID(),
			"siblings":     len(siblings),
		}).Debug("Suppressing completion callback: sibling uploads still in progress")
	}
	op.Stop()
}
