package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaysmith/nodebroker/internal/discord"
	"github.com/relaysmith/nodebroker/internal/discovery"
	"github.com/relaysmith/nodebroker/internal/gateway"
	"github.com/relaysmith/nodebroker/internal/logger"
	"github.com/relaysmith/nodebroker/internal/pairing"
	"github.com/relaysmith/nodebroker/internal/protocol"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the broker gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := Config{
			Port:                 cfgPort,
			Bind:                 cfgBind,
			AuthToken:            cfgAuthToken,
			DiscordToken:         cfgDiscordToken,
			GuildID:              cfgGuildID,
			StateDir:             cfgStateDir,
			TickInterval:         15 * time.Second,
			MaxPayloadBytes:      cfgMaxPayload,
			MaxInvokeResultBytes: cfgMaxResult,
			MaxInflightBytes:     cfgMaxInflight,
			RateLimit:            cfgRateLimit,
		}

		if err := validateConfig(cfg); err != nil {
			return err
		}

		logger.Setup(cfg.StateDir)

		return runServer(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	defaults := protocol.DefaultLimits()
	serverCmd.Flags().IntVar(&cfgPort, "port", envInt("NODEBROKER_PORT", 18789), "WebSocket server port")
	serverCmd.Flags().StringVar(&cfgBind, "bind", envStr("NODEBROKER_BIND", "loopback"), "Bind mode: loopback or lan")
	serverCmd.Flags().StringVar(&cfgAuthToken, "token", envStr("NODEBROKER_TOKEN", ""), "Auth token for node connections")
	serverCmd.Flags().StringVar(&cfgDiscordToken, "discord-token", envStr("DISCORD_BOT_TOKEN", ""), "Discord bot token")
	serverCmd.Flags().StringVar(&cfgGuildID, "guild-id", envStr("DISCORD_GUILD_ID", ""), "Discord guild ID")
	serverCmd.Flags().Int64Var(&cfgMaxPayload, "max-payload-bytes", defaults.MaxPayloadBytes, "Single-frame payload cap in bytes")
	serverCmd.Flags().Int64Var(&cfgMaxResult, "max-result-bytes", defaults.MaxInvokeResultBytes, "Total invoke-result payload cap in bytes")
	serverCmd.Flags().Int64Var(&cfgMaxInflight, "max-inflight-bytes", defaults.MaxInflightBytes, "Aggregate inflight transfer cap in bytes")
	serverCmd.Flags().Float64Var(&cfgRateLimit, "rate-limit", 0, "New-connection rate limit per second (0 disables)")
}

func runServer(cfg Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Initialize Pairing State
	pairingStore, err := pairing.NewStore(filepath.Join(cfg.StateDir, "pairing"))
	if err != nil {
		return fmt.Errorf("pairing store: %w", err)
	}
	pairingSvc := pairing.NewService(pairingStore)

	// 2. Initialize Discovery (mDNS)
	hostname, _ := os.Hostname()
	mdnsCfg := discovery.Config{
		InstanceName: "Node Broker Gateway",
		Port:         cfg.Port,
		LanHost:      "",
		Meta: discovery.Metadata{
			Role:        "gateway",
			Transport:   "ws",
			GatewayPort: strconv.Itoa(cfg.Port),
			Protocol:    strconv.Itoa(protocol.ServerProtocol),
			LanHost:     hostname,
			DisplayName: "Node Broker Gateway",
		},
	}
	advertiser, err := discovery.NewAdvertiser(mdnsCfg)
	if err != nil {
		slog.Warn("failed to init mdns", "error", err)
	} else {
		if err := advertiser.Start(); err != nil {
			slog.Warn("failed to start mdns", "error", err)
		} else {
			slog.Info("mdns advertising started")
			defer advertiser.Stop()
		}
	}

	// 3. Create Gateway
	gw, err := gateway.New(gateway.GatewayConfig{
		Port:         cfg.Port,
		Bind:         cfg.Bind,
		AuthToken:    cfg.AuthToken,
		TickInterval: cfg.TickInterval,
		RateLimit:    cfg.RateLimit,
		Limits: protocol.Limits{
			MaxPayloadBytes:      cfg.MaxPayloadBytes,
			MaxInvokeResultBytes: cfg.MaxInvokeResultBytes,
			MaxInflightBytes:     cfg.MaxInflightBytes,
		},
		PairingSvc: pairingSvc,
	})
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}

	// 4. Discord Bot
	var bot *discord.Bot
	if cfg.DiscordToken != "" {
		bot, err = discord.NewBot(discord.BotConfig{
			Token:   cfg.DiscordToken,
			GuildID: cfg.GuildID,
		})
		if err != nil {
			return fmt.Errorf("discord init: %w", err)
		}
		router := discord.NewCommandRouter(gw, gw.Registry())
		router.WithPairing(pairingSvc, pairingStore)
		bot.SetRouter(router)
		bot.RegisterCommands(router.Commands())

		if err := bot.Start(ctx); err != nil {
			slog.Warn("discord failed to connect", "error", err)
			bot = nil
		}
	}

	printBanner(cfg, bot != nil)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if bot != nil {
			bot.Stop()
		}
		if advertiser != nil {
			advertiser.Stop()
		}
		gw.Shutdown(shutdownCtx)
	}()

	return gw.Run(ctx)
}

func printBanner(cfg Config, discordConnected bool) {
	bindAddr := "127.0.0.1"
	if cfg.Bind == "lan" {
		bindAddr = "0.0.0.0"
	}
	authMode := "none"
	if cfg.AuthToken != "" {
		authMode = "token"
	}
	discordStatus := "disabled"
	if discordConnected {
		discordStatus = "connected"
	}

	fmt.Printf("\n")
	fmt.Printf("  nodebroker v%s\n", version)
	fmt.Printf("  ws://%s:%d  auth=%s  bind=%s\n", bindAddr, cfg.Port, authMode, cfg.Bind)
	fmt.Printf("  discord: %s  pairing: enabled  mdns: enabled\n", discordStatus)
	fmt.Printf("  state: %s\n", cfg.StateDir)
	fmt.Printf("  health: http://%s:%d/health  metrics: /metrics  stats: /stats\n", bindAddr, cfg.Port)
	fmt.Printf("\n")
}
