package peerdrop

import "errors"

// ErrAlreadyInProgress is reported when a download request is rejected by
// admission. It is the expected outcome of a legitimate conflict, not a
// system fault.
var ErrAlreadyInProgress = errors.New("a transfer is already in progress")

// ErrConnectionLost indicates the peer disappeared or timed out before the
// transfer completed.
var ErrConnectionLost = errors.New("connection lost before transfer completed")

// ErrStorageCommitFailed indicates the received resource could not be
// relocated into permanent storage.
var ErrStorageCommitFailed = errors.New("failed to commit received file")

// ErrCancelled indicates an explicit or teardown-triggered abort.
var ErrCancelled = errors.New("transfer cancelled")
