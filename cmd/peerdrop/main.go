// Command peerdrop demonstrates the transfer coordinator end to end over the
// in-process loopback transport: two coordinators join a memory hub, one
// shares a file, the other requests it, and the full advertise / invite /
// transfer / commit state machine runs for real.
package main

import (
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("command failed")
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "peerdrop",
		Short: "Ad-hoc peer-to-peer file transfer coordinator",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if viper.GetBool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}
		},
	}

	root.PersistentFlags().Bool("verbose", false, "enable debug logging")

	viper.SetEnvPrefix("peerdrop")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(root.PersistentFlags()); err != nil {
		logrus.WithError(err).Fatal("failed to bind flags")
	}

	root.AddCommand(demoCmd())
	return root
}
