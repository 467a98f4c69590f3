package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	evmadapter "github.com/ThorbenD/htlc-relay/adapters/evm"
	lndadapter "github.com/ThorbenD/htlc-relay/adapters/lnd"
	evmclient "github.com/ThorbenD/htlc-relay/clients/evm"
	lndclient "github.com/ThorbenD/htlc-relay/clients/lnd"
	"github.com/ThorbenD/htlc-relay/config"
	"github.com/ThorbenD/htlc-relay/coordinator"
	"github.com/ThorbenD/htlc-relay/correlation"
	"github.com/ThorbenD/htlc-relay/domain"
	"github.com/ThorbenD/htlc-relay/settlement"
	"github.com/ThorbenD/htlc-relay/watcher"
)

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func run(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := correlation.Open(cfg.StorePath, logger.With("component", "correlation"))
	if err != nil {
		return err
	}
	defer store.Close()

	ledgers, closeLedgers, err := buildLedgers(ctx, cfg.Ledgers, logger)
	if err != nil {
		return err
	}
	defer closeLedgers()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coord, err := coordinator.New(store, ledgers, coordinator.Config{
		Workers:       cfg.Coordinator.Workers,
		QueueSize:     cfg.Coordinator.QueueSize,
		RetryInterval: cfg.Coordinator.RetryInterval,
		ClaimTimeout:  cfg.Coordinator.ClaimTimeout,
		MissRetention: cfg.Coordinator.MissRetention,
		MissCapacity:  cfg.Coordinator.MissCapacity,
	}, coordinator.NewMetrics(reg), logger.With("component", "coordinator"))
	if err != nil {
		return err
	}

	backoff := watcher.Backoff{Initial: cfg.Watcher.BackoffInitial, Max: cfg.Watcher.BackoffMax}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(ctx) })
	for _, l := range ledgers {
		w := watcher.New(l, coord, backoff, store, logger.With("component", "watcher"))
		g.Go(func() error { return w.Run(ctx) })
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, reg, logger) })
	}

	logger.Info("🚀 [Relayd] Started", "version", version, "ledgers", len(ledgers), "store", cfg.StorePath)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("🛑 [Relayd] Shut down")
		return nil
	}
	return err
}

func buildLedgers(ctx context.Context, cfgs []config.LedgerConfig, logger *slog.Logger) ([]settlement.Ledger, func(), error) {
	var (
		ledgers []settlement.Ledger
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, lc := range cfgs {
		id := domain.LedgerID(lc.ID)
		llog := logger.With("component", "ledger")

		switch lc.Kind {
		case config.KindEVM:
			client, err := evmclient.NewClient(ctx, evmclient.Config{
				URL:        lc.EVM.RPCURL,
				ChainID:    lc.EVM.ChainID,
				PrivateKey: lc.EVM.PrivateKey,
			})
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("ledger %s: %w", id, err)
			}
			closers = append(closers, client.Close)

			monitor := evmadapter.NewEvmChainMonitor(client, lc.EVM.PollInterval)
			ledger, err := evmadapter.NewEvmLedger(evmadapter.Config{
				ID:            id,
				Role:          lc.DomainRole(),
				Escrow:        common.HexToAddress(lc.EVM.Escrow),
				Confirmations: lc.EVM.Confirmations,
				StartBlock:    lc.EVM.StartBlock,
				LogRange:      lc.EVM.LogRange,
			}, client, client.Signer, monitor, llog)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("ledger %s: %w", id, err)
			}
			llog.Info("⛓️  [Relayd] EVM ledger ready", "ledger", id, "chain_id", client.ChainID, "signer", client.Address().Hex())
			ledgers = append(ledgers, ledger)

		case config.KindLightning:
			client, err := lndclient.NewClient(lndclient.Config{
				Host:         lc.Lightning.Host,
				TLSCertPath:  lc.Lightning.TLSCertPath,
				MacaroonPath: lc.Lightning.MacaroonPath,
			})
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("ledger %s: %w", id, err)
			}
			closers = append(closers, func() { _ = client.Close() })

			ledger := lndadapter.NewLndLedger(id, lc.DomainRole(), client, llog)
			llog.Info("⚡ [Relayd] Lightning ledger ready", "ledger", id, "host", lc.Lightning.Host)
			ledgers = append(ledgers, ledger)
		}
	}
	return ledgers, closeAll, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("📈 [Relayd] Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return ctx.Err()
}
