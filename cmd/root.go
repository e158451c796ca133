package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	logFormat  string
)

// NewRootCmd builds the tracks command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tracks",
		Short:         "Schedule and run dependent work tracks in isolated workspaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(logrus.StandardLogger(), verbose, logFormat)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to tracks.yml (default: ./tracks.yml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	root.AddCommand(NewPlanCmd())
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewVersionCmd())

	return root
}

func configureLogging(logger *logrus.Logger, debug bool, format string) {
	logger.SetOutput(os.Stderr)
	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

func componentLogger(component string) *logrus.Entry {
	return logrus.StandardLogger().WithField("component", component)
}
