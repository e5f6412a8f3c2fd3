package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ravelino/chatpilot/pkg/chatpilot/besttime"
	"github.com/ravelino/chatpilot/pkg/chatpilot/channels"
	"github.com/ravelino/chatpilot/pkg/chatpilot/channels/discord"
	"github.com/ravelino/chatpilot/pkg/chatpilot/channels/whatsapp"
	"github.com/ravelino/chatpilot/pkg/chatpilot/config"
	"github.com/ravelino/chatpilot/pkg/chatpilot/engine"
	"github.com/ravelino/chatpilot/pkg/chatpilot/followup"
	"github.com/ravelino/chatpilot/pkg/chatpilot/gateway"
	"github.com/ravelino/chatpilot/pkg/chatpilot/llm"
	"github.com/ravelino/chatpilot/pkg/chatpilot/store"
)

// newServeCmd creates the `chatpilot serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with channels, poller, and gateway",
		Long: `Start ChatPilot as a daemon: connects the enabled channels, runs the
follow-up poller, and (when enabled) serves the HTTP gateway.

Examples:
  chatpilot serve
  chatpilot serve --config ./chatpilot.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger, logCloser, err := buildLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	st, err := store.Open(store.Config{Path: cfg.DatabasePath}, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, scheduler := buildEngine(cfg, st, logger)

	var connectors []channels.Connector
	var receivers []channels.Receiver

	if cfg.Channels.WhatsApp.Enabled {
		wa := whatsapp.New(cfg.Channels.WhatsApp.Config, logger)
		if err := wa.Connect(ctx); err != nil {
			return err
		}
		eng.RegisterDeliverer(wa)
		connectors = append(connectors, wa)
		receivers = append(receivers, wa)
	}
	if cfg.Channels.Discord.Enabled {
		dc := discord.New(cfg.Channels.Discord.Config, logger)
		if err := dc.Connect(ctx); err != nil {
			return err
		}
		eng.RegisterDeliverer(dc)
		connectors = append(connectors, dc)
		receivers = append(receivers, dc)
	}

	for _, r := range receivers {
		go pumpInbound(ctx, eng, r, logger)
	}

	poller := followup.NewPoller(st, scheduler, eng.ProcessFollowUp, cfg.PollInterval, logger)
	if err := poller.Start(ctx); err != nil {
		return err
	}
	defer poller.Stop()

	if cfg.Gateway.Enabled {
		gw := gateway.New(gateway.Config{
			Listen:    cfg.Gateway.Listen,
			TokenHash: cfg.Gateway.TokenHash,
		}, eng, st, cfg.AccountID, logger)
		if err := gw.Start(ctx); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			_ = gw.Stop(shutdownCtx)
		}()
	}

	logger.Info("chatpilot running", "account_id", cfg.AccountID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	for _, c := range connectors {
		_ = c.Disconnect()
	}
	return nil
}

// buildEngine wires the estimator, scheduler, completion client, and engine.
func buildEngine(cfg *config.Config, st *store.Store, logger *slog.Logger) (*engine.Engine, *followup.Scheduler) {
	estimator := besttime.New(st, logger)
	scheduler := followup.New(st, estimator, logger)
	completer := llm.New(cfg.LLM, logger)
	eng := engine.New(st, completer, scheduler, cfg.AccountID, cfg.Persona, logger)
	return eng, scheduler
}

// pumpInbound forwards a receiver's inbound feed through the engine.
func pumpInbound(ctx context.Context, eng *engine.Engine, r channels.Receiver, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-r.Receive():
			if !ok {
				return
			}
			res, err := eng.HandleInbound(ctx, msg)
			if err != nil {
				logger.Error("inbound handling failed", "channel", msg.Channel, "error", err)
				continue
			}
			if res.OptedOut {
				continue
			}
			if _, err := eng.Reply(ctx, res.Conversation.ID); err != nil {
				logger.Error("reply cycle failed",
					"conversation_id", res.Conversation.ID, "error", err)
			}
		}
	}
}
