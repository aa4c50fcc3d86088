package cli

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/usrlog/journal-relay/internal/config"
	"github.com/usrlog/journal-relay/internal/journal"
	"github.com/usrlog/journal-relay/internal/pipeline"
)

// NewValidateCmd creates the validate command. It builds a full pipeline
// against a discarding journal transport, so every configuration error the
// run command would hit is caught here without touching the journal.
func NewValidateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			silent := logrus.New()
			silent.SetOutput(io.Discard)

			p, err := pipeline.New(cfg, journal.Discard, logrus.NewEntry(silent))
			if err != nil {
				return err
			}

			fmt.Printf("Configuration valid:\n")
			fmt.Printf("  Endpoints:     %d\n", p.EndpointCount())
			fmt.Printf("  Mapping rules: %d\n", len(cfg.Mapping.Rules))
			fmt.Printf("  Queue:         capacity=%d policy=%s\n", cfg.Queue.Capacity, cfg.Queue.Policy)
			fmt.Printf("  Retry:         attempts=%d backoff=%s..%s\n",
				cfg.Retry.MaxAttempts, cfg.Retry.BackoffBase, cfg.Retry.BackoffCap)
			fmt.Printf("  Drain timeout: %s\n", cfg.Drain.Timeout)
			return nil
		},
	}
}
