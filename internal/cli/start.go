package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/logger"
	"github.com/webpilot-ai/webpilot/pkg/artifact"
	"github.com/webpilot-ai/webpilot/pkg/gateway"
	"github.com/webpilot-ai/webpilot/pkg/memory"
	"github.com/webpilot-ai/webpilot/pkg/orchestrator"
	"github.com/webpilot-ai/webpilot/pkg/provider"
	"github.com/webpilot-ai/webpilot/pkg/session"
	"github.com/webpilot-ai/webpilot/pkg/subagent"
	"github.com/webpilot-ai/webpilot/pkg/toolserver"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the webpilot daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

func runStart() error {
	cfg, err := config.NewLoader(cfgPath).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()

	log.Info().Msg("starting webpilotd")

	p, err := provider.New(primaryProfile(cfg.Providers))
	if err != nil {
		return err
	}
	log.Info().Str("provider", p.Name()).Msg("model provider ready")

	mem, err := memory.NewStore(cfg.Memory.DBPath)
	if err != nil {
		return err
	}
	defer mem.Close()

	artifacts, err := artifact.NewStore(cfg.Artifacts.Dir)
	if err != nil {
		return err
	}
	watcher, err := artifact.NewWatcher(lg.GetZerolog(), artifacts)
	if err != nil {
		return err
	}
	defer watcher.Stop()

	// Each session gets its own tool server pool so browser state never
	// leaks across sessions; the manager closes it on eviction.
	launcher := &toolserver.StdioLauncher{}
	sessions, err := session.NewManager(cfg.Session, func() session.ToolPool {
		return toolserver.NewPool(cfg.ToolServers, launcher, cfg.Turn.MaxToolRetries)
	})
	if err != nil {
		return err
	}
	defer sessions.Close()

	registry := subagent.NewRegistry()
	if err := registry.Register(subagent.NewBrowserAgent(p, artifacts, cfg.SubAgents.Browser)); err != nil {
		return err
	}
	if err := registry.Register(subagent.NewPageAnalyzer(artifacts, cfg.SubAgents.PageAnalysis)); err != nil {
		return err
	}

	orch := orchestrator.New(sessions, p, registry, mem, artifacts, cfg.Turn)

	server, err := gateway.NewServer(gateway.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		SharedSecret: cfg.Server.SharedSecret,
		Runner:       orch,
		Sessions:     sessions,
		Artifacts:    artifacts,
		Logger:       lg.GetZerolog(),
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	if err := server.Stop(); err != nil {
		log.Error().Err(err).Msg("gateway shutdown failed")
	}

	return nil
}

// primaryProfile picks the highest-priority provider profile (lowest
// priority number wins)
func primaryProfile(profiles []config.ProviderProfile) config.ProviderProfile {
	sorted := append([]config.ProviderProfile(nil), profiles...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return sorted[0]
}
