package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dev-adhiraj/be-better/pkg/approval"
	"github.com/dev-adhiraj/be-better/pkg/blockchain"
	"github.com/dev-adhiraj/be-better/pkg/bridge"
	"github.com/dev-adhiraj/be-better/pkg/broker"
	"github.com/dev-adhiraj/be-better/pkg/channels"
	"github.com/dev-adhiraj/be-better/pkg/config"
	"github.com/dev-adhiraj/be-better/pkg/logger"
)

func newServeCommand() *cobra.Command {
	var prompt bool
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker, the relay and the configured approval surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, prompt)
		},
	}
	c.Flags().BoolVar(&prompt, "prompt", false, "prompt for the wallet passphrase when it is not in the environment")
	return c
}

func brokerConfig(cfg *config.Config) broker.Config {
	bc := broker.DefaultConfig()
	bc.ApprovalTimeout = cfg.Broker.ApprovalTimeout.Std()
	bc.OnboardingWait = cfg.Broker.OnboardingWait.Std()
	bc.ReceiptPollInterval = cfg.Broker.ReceiptPollInterval.Std()
	bc.ReceiptPollTimeout = cfg.Broker.ReceiptPollTimeout.Std()
	bc.AllowFileOrigins = cfg.Broker.AllowFileOrigins
	if cfg.Broker.QueueSize > 0 {
		bc.QueueSize = cfg.Broker.QueueSize
	}
	if cfg.Chains.Default != "" {
		bc.DefaultChain = cfg.Chains.Default
	}
	return bc
}

func providerInfo(cfg *config.Config) bridge.ProviderInfo {
	info := bridge.ProviderInfo{
		UUID: cfg.Provider.UUID,
		Name: cfg.Provider.Name,
		RDNS: cfg.Provider.RDNS,
	}
	if cfg.Provider.IconPath != "" {
		icon, err := bridge.IconDataURI(cfg.Provider.IconPath)
		if err != nil {
			logger.WarnCF("gateway", "Provider icon not loaded", map[string]any{"error": err.Error()})
		} else {
			info.Icon = icon
		}
	}
	return info
}

// errNoGatewayToken stops serve from exposing an unauthenticated approval API.
var errNoGatewayToken = errors.New("gateway.token is not set; run 'apollo onboard --force' or export APOLLO_GATEWAY_TOKEN")

func serve(ctx context.Context, cfg *config.Config, prompt bool) error {
	if cfg.Gateway.Token == "" {
		return errNoGatewayToken
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	seeds, err := config.LoadChainSeeds(cfg.ChainSeedPath())
	if err != nil {
		return err
	}
	if _, err := seedChains(ctx, store, blockchain.DialRPC, seeds, cfg.Chains.Default); err != nil {
		return err
	}

	chains := blockchain.NewClient(nil)
	defer chains.Close()
	if err := registerChains(ctx, store, chains); err != nil {
		return fmt.Errorf("failed to register chains: %w", err)
	}

	vault, err := openVault(cfg, prompt)
	if err != nil {
		return err
	}
	if vault.Locked() {
		logger.WarnC("wallet", "Vault is locked, approved signing requests will fail")
	}

	abis, err := blockchain.NewABIManager(filepath.Join(cfg.DataDir(), "abis"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := bridge.NewHub()
	b := broker.New(broker.Options{
		Config:     brokerConfig(cfg),
		Store:      store,
		Vault:      vault,
		Chains:     chains,
		ABIs:       abis,
		Notifier:   hub,
		Registerer: reg,
	})

	srv := bridge.NewServer(bridge.Options{
		Broker:    b,
		Mirror:    store,
		Hub:       hub,
		Info:      providerInfo(cfg),
		Token:     cfg.Gateway.Token,
		RateLimit: cfg.Gateway.RateLimit,
		RateBurst: cfg.Gateway.RateBurst,
		Gatherer:  reg,
	})

	janitor, err := approval.NewJanitor(store, cfg.Broker.JanitorSchedule)
	if err != nil {
		return err
	}

	var telegram *channels.TelegramSurface
	if cfg.Channels.Telegram.Enabled {
		telegram, err = channels.NewTelegramSurface(cfg.Channels.Telegram, b)
		if err != nil {
			return err
		}
		b.AddSurface(telegram)
	}
	if cfg.Channels.Webhook.Enabled {
		wh, err := channels.NewWebhookSurface(cfg.Channels.Webhook, nil)
		if err != nil {
			return err
		}
		b.AddSurface(wh)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx, cfg.Gateway.Addr()) })
	g.Go(func() error { return janitor.Run(gctx) })
	if telegram != nil {
		g.Go(func() error { return telegram.Run(gctx) })
	}

	logger.InfoCF("gateway", "Apollo is serving", map[string]any{
		"addr":    cfg.Gateway.Addr(),
		"storage": cfg.Storage.Driver,
	})
	return g.Wait()
}
