package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaxel-labs/callbridge-ai/src/config"
	"github.com/vaxel-labs/callbridge-ai/src/ingress"
	"github.com/vaxel-labs/callbridge-ai/src/logger"
	"github.com/vaxel-labs/callbridge-ai/src/pool"
	"github.com/vaxel-labs/callbridge-ai/src/services/convai"
	"github.com/vaxel-labs/callbridge-ai/src/services/deepgram"
	"github.com/vaxel-labs/callbridge-ai/src/session"
	"github.com/vaxel-labs/callbridge-ai/src/transports"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "callbridge",
		Short:         "Bridge telephone calls to a conversational AI agent",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the call bridge service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (default: callbridge.yaml)")
	return cmd
}

func serve(cfg *config.Config) error {
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	transport := transports.NewMediaTransport()

	factory := func(callID, caller, called string) session.Config {
		return session.Config{
			CallID:      callID,
			Caller:      caller,
			Called:      called,
			MaxDuration: cfg.Call.MaxDuration,
			STT: deepgram.Config{
				APIKey:           cfg.STT.APIKey,
				URL:              cfg.STT.URL,
				Language:         cfg.STT.Language,
				Model:            cfg.STT.Model,
				SilenceKeepalive: cfg.Call.SilenceKeepalive,
				EndpointSilence:  cfg.Call.EndpointSilence,
			},
			Agent: convai.Config{
				URL:     cfg.Agent.URL,
				APIKey:  cfg.Agent.APIKey,
				AgentID: cfg.Agent.AgentID,
				CustomVariables: mergeVars(cfg.Agent.Vars, map[string]string{
					"caller_number": caller,
					"called_number": called,
				}),
			},
			RealtimeAudio: true,
		}
	}

	manager := pool.NewManager(pool.Config{
		Size:         cfg.Pool.Size,
		EmergencyCap: cfg.Pool.EmergencyCap,
		MinReady:     cfg.Pool.MinReady,
		MaxCallAge:   cfg.Call.MaxDuration + 5*time.Minute,
	}, transport, factory)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("pool startup failed: %w", err)
	}

	server := ingress.NewServer(ingress.Config{
		ListenAddr:     cfg.ListenAddr,
		PublicMediaURL: cfg.PublicMediaURL,
		DedupTTL:       cfg.Call.DedupTTL,
	}, manager, transport)

	if err := server.Start(); err != nil {
		return fmt.Errorf("ingress startup failed: %w", err)
	}

	logger.Info("[Main] callbridge %s up, pool size %d", version, cfg.Pool.Size)
	<-ctx.Done()

	logger.Info("[Main] Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("[Main] Ingress shutdown error: %v", err)
	}
	manager.Shutdown()
	return nil
}

func mergeVars(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
