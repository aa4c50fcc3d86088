package cli

import (
	"github.com/spf13/cobra"
)

// Execute builds and runs the CLI.
func Execute() error {
	var (
		cfgFile  string
		logLevel string
	)

	rootCmd := &cobra.Command{
		Use:   "journal-relay",
		Short: "A local daemon that forwards structured log events into the systemd journal",
		Long: `journal-relay accepts log events on local sockets (unix, unixgram, tcp,
udp), parses them as syslog or JSON lines, maps the parsed fields onto
journal field names through an ordered rule set, and submits each record
to the systemd journal.

Records pass through a bounded in-memory queue between the listeners and
the single journal writer. When the journal is slow or unavailable the
queue policy decides whether producers block or records are dropped, and
the writer retries submissions with exponential backoff.

Hot-reload: When a config file is specified, changes are applied by
draining the running pipeline and starting a new one.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config file")

	rootCmd.AddCommand(
		NewRunCmd(&cfgFile, &logLevel),
		NewValidateCmd(&cfgFile),
		NewVersionCmd(),
	)

	return rootCmd.Execute()
}
