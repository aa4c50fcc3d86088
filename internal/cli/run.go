package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/usrlog/journal-relay/internal/config"
	"github.com/usrlog/journal-relay/internal/journal"
	"github.com/usrlog/journal-relay/internal/pipeline"
)

// NewRunCmd creates the run command.
func NewRunCmd(cfgFile, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, cfgFile, logLevel)
		},
	}

	cmd.Flags().Bool("hot-reload", true, "enable hot-reload of config file")

	return cmd
}

func runRelay(cmd *cobra.Command, cfgFile, logLevel *string) error {
	cfg, err := config.Load(*cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	log := SetupLogging(level, cfg.LogFile)

	transport, err := journal.NewTransport()
	if err != nil {
		return fmt.Errorf("opening journal transport: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	reloads := make(chan *config.Config, 1)
	hotReload, _ := cmd.Flags().GetBool("hot-reload")
	if *cfgFile != "" && hotReload {
		startConfigWatcher(ctx, *cfgFile, reloads, log)
	}

	var ms *metricsServer
	if cfg.Metrics.Enabled {
		ms = newMetricsServer(cfg.Metrics.Address, log)
		ms.Start(ctx)
	}

	// Each loop iteration runs one pipeline until shutdown or until a new
	// configuration arrives; a reload drains the old pipeline, then starts
	// a fresh one so in-flight records are never lost across the swap.
	for {
		p, err := pipeline.New(cfg, transport, log)
		if err != nil {
			return fmt.Errorf("creating pipeline: %w", err)
		}
		if ms != nil {
			ms.Track(p)
		}

		log.Infof("starting journal-relay: endpoints=%d", p.EndpointCount())

		runCtx, stop := context.WithCancel(ctx)
		runDone := make(chan error, 1)
		go func() { runDone <- p.Run(runCtx) }()

		next, err := waitForEvent(*cfgFile, sigChan, reloads, runDone, stop, p, log)
		stop()
		if next == nil {
			if err != nil {
				return fmt.Errorf("pipeline error: %w", err)
			}
			log.Info("journal-relay stopped")
			return nil
		}
		cfg = next
	}
}

// waitForEvent blocks until the running pipeline must be replaced or torn
// down. It returns the next configuration to run with, or nil when the
// process should exit.
func waitForEvent(cfgFile string, sigChan chan os.Signal, reloads <-chan *config.Config,
	runDone chan error, stop context.CancelFunc, p *pipeline.Pipeline, log *logrus.Entry) (*config.Config, error) {

	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				if cfgFile == "" {
					log.Warning("received SIGHUP but no config file is set, ignoring")
					continue
				}
				log.Info("received SIGHUP, reloading config")
				newCfg, err := config.Load(cfgFile)
				if err == nil {
					err = newCfg.Validate()
				}
				if err != nil {
					log.Errorf("keeping current config, reload failed: %v", err)
					continue
				}
				stop()
				if err := awaitDrain(sigChan, runDone, p, log); err != nil {
					return nil, err
				}
				return newCfg, nil

			default: // SIGINT, SIGTERM
				log.Infof("received shutdown signal: %v", sig)
				stop()
				return nil, awaitDrain(sigChan, runDone, p, log)
			}

		case newCfg := <-reloads:
			log.Info("config file changed, restarting pipeline")
			stop()
			if err := awaitDrain(sigChan, runDone, p, log); err != nil {
				return nil, err
			}
			return newCfg, nil

		case err := <-runDone:
			// The pipeline exited on its own (listener failure).
			return nil, err
		}
	}
}

// awaitDrain waits for the stopped pipeline to finish draining. A second
// termination signal abandons the drain immediately.
func awaitDrain(sigChan chan os.Signal, runDone chan error, p *pipeline.Pipeline, log *logrus.Entry) error {
	for {
		select {
		case err := <-runDone:
			return err
		case sig := <-sigChan:
			if sig == syscall.SIGINT || sig == syscall.SIGTERM {
				log.Warnf("received %v during drain, stopping immediately", sig)
				p.Kill()
			}
		}
	}
}

func startConfigWatcher(ctx context.Context, cfgFile string, reloads chan *config.Config, log *logrus.Entry) {
	watcher := config.NewWatcher(cfgFile, log)
	if err := watcher.Start(ctx); err != nil {
		log.Warningf("failed to start config watcher: %v", err)
		return
	}

	log.Infof("hot-reload enabled: config=%s", cfgFile)

	go func() {
		for {
			select {
			case newCfg := <-watcher.Changes():
				// Supersede any reload that is still pending.
				select {
				case <-reloads:
				default:
				}
				reloads <- newCfg
			case err := <-watcher.Errors():
				log.Errorf("config watcher error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()
}
