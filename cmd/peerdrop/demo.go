package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opd-ai/peerdrop"
	"github.com/opd-ai/peerdrop/storage"
	"github.com/opd-ai/peerdrop/transport"
)

func demoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo <file>",
		Short: "Move a file between two in-process coordinators",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(args[0])
		},
	}

	cmd.Flags().String("download-dir", "downloads", "directory for the received file")
	cmd.Flags().Duration("scheduler-interval", 500*time.Millisecond, "download promotion interval")
	cmd.Flags().Duration("timeout", 30*time.Second, "overall demo timeout")
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		logrus.WithError(err).Fatal("failed to bind flags")
	}

	return cmd
}

func runDemo(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}
	shareDir := filepath.Dir(abs)
	fileID := filepath.Base(abs)

	cfg := peerdrop.DefaultConfig()
	cfg.SchedulerInterval = viper.GetDuration("scheduler-interval")
	cfg.ShareDir = shareDir
	cfg.DownloadDir = viper.GetString("download-dir")

	hub := transport.NewMemoryHub()

	sharerStore, err := storage.NewLocal(shareDir, filepath.Join(cfg.DownloadDir, "sharer"))
	if err != nil {
		return err
	}
	fetcherStore, err := storage.NewLocal(filepath.Join(cfg.DownloadDir, "empty-share"), cfg.DownloadDir)
	if err != nil {
		return err
	}

	sharer := peerdrop.New(cfg, hub.Endpoint("sharer"), sharerStore, nil, nil)
	defer sharer.Close()
	fetcher := peerdrop.New(cfg, hub.Endpoint("fetcher"), fetcherStore, nil, nil)
	defer fetcher.Close()

	sharer.SetUploadCallbacks(
		func(fileID string, fraction float64) {
			logrus.WithFields(logrus.Fields{
				"file_id":  fileID,
				"fraction": fmt.Sprintf("%.2f", fraction),
			}).Info("Upload progress")
		},
		func(fileID string, peer transport.PeerID, err error) {
			logrus.WithFields(logrus.Fields{
				"file_id": fileID,
				"peer_id": peer,
				"error":   err,
			}).Info("Upload finished")
		},
	)
	sharer.StartListening()

	done := make(chan error, 1)
	_, err = fetcher.RequestDownload(fileID,
		func(fraction float64) {
			logrus.WithFields(logrus.Fields{
				"file_id":  fileID,
				"fraction": fmt.Sprintf("%.2f", fraction),
			}).Info("Download progress")
		},
		func(location string, err error) {
			if err == nil {
				logrus.WithField("location", location).Info("Download complete")
			}
			done <- err
		},
	)
	if err != nil {
		return err
	}
	fetcher.StartListening()

	select {
	case err := <-done:
		return err
	case <-time.After(viper.GetDuration("timeout")):
		return fmt.Errorf("demo timed out waiting for transfer of %q", fileID)
	}
}
