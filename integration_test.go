package peerdrop

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerdrop/storage"
	"github.com/opd-ai/peerdrop/transport"
)

// TestEndToEnd_MemoryTransport runs a full download against a real sharer
// over the in-memory transport: discovery, invitation, session, resource
// streaming, and commit into the download directory.
func TestEndToEnd_MemoryTransport(t *testing.T) {
	hub := transport.NewMemoryHub()

	const fileID = "notes.txt"
	content := []byte("meeting notes from tuesday\n")

	sharerRoot := t.TempDir()
	fetcherRoot := t.TempDir()

	sharerStore, err := storage.NewLocal(
		filepath.Join(sharerRoot, "share"),
		filepath.Join(sharerRoot, "downloads"),
	)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sharerRoot, "share", fileID), content, 0o644))

	fetcherStore, err := storage.NewLocal(
		filepath.Join(fetcherRoot, "share"),
		filepath.Join(fetcherRoot, "downloads"),
	)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SchedulerInterval = 20 * time.Millisecond

	sharer := New(cfg, hub.Endpoint("sharer"), sharerStore, nil, nil)
	defer sharer.Close()
	fetcher := New(cfg, hub.Endpoint("fetcher"), fetcherStore, nil, nil)
	defer fetcher.Close()

	uploadDone := make(chan error, 1)
	sharer.SetUploadCallbacks(nil, func(fileID string, peer transport.PeerID, err error) {
		uploadDone <- err
	})
	sharer.StartListening()

	downloadDone := make(chan downloadOutcome, 1)
	_, err = fetcher.RequestDownload(fileID, nil, func(location string, err error) {
		downloadDone <- downloadOutcome{location: location, err: err}
	})
	require.NoError(t, err)
	fetcher.StartListening()

	var outcome downloadOutcome
	select {
	case outcome = <-downloadDone:
	case <-time.After(10 * time.Second):
		t.Fatal("download never completed")
	}
	require.NoError(t, outcome.err)
	require.Equal(t, filepath.Join(fetcherRoot, "downloads", fileID), outcome.location)

	got, err := os.ReadFile(outcome.location)
	require.NoError(t, err)
	require.Equal(t, content, got)

	select {
	case err := <-uploadDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("upload completion never fired")
	}

	require.Eventually(t, func() bool {
		return sharer.Registry().Len() == 0 && fetcher.Registry().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// TestEndToEnd_CancelBeforeMatch cancels the fetcher before any sharer
// appears and verifies the request fails with ErrCancelled and the registry
// drains.
func TestEndToEnd_CancelBeforeMatch(t *testing.T) {
	hub := transport.NewMemoryHub()

	root := t.TempDir()
	store, err := storage.NewLocal(
		filepath.Join(root, "share"),
		filepath.Join(root, "downloads"),
	)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SchedulerInterval = 20 * time.Millisecond

	fetcher := New(cfg, hub.Endpoint("loner"), store, nil, nil)
	defer fetcher.Close()

	downloadDone := make(chan downloadOutcome, 1)
	_, err = fetcher.RequestDownload("missing.bin", nil, func(location string, err error) {
		downloadDone <- downloadOutcome{location: location, err: err}
	})
	require.NoError(t, err)
	fetcher.StartListening()

	fetcher.CancelAll()

	select {
	case outcome := <-downloadDone:
		require.ErrorIs(t, outcome.err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel never reported")
	}
	require.Equal(t, 0, fetcher.Registry().Len())
}
