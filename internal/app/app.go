// Package app aggregates configuration and shared dependencies for the
// CLI commands and hosts the long-running relay service.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"zec-relay/internal/alerting"
	"zec-relay/internal/api"
	"zec-relay/internal/config"
	"zec-relay/internal/demo"
	"zec-relay/internal/event"
	"zec-relay/internal/fees"
	"zec-relay/internal/health"
	"zec-relay/internal/relay"
	"zec-relay/internal/solana"
	"zec-relay/internal/storage"
	"zec-relay/internal/zcash"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is required")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newSampler(store *storage.Store) *fees.Sampler {
	var history fees.HistoryStore
	if store != nil {
		history = store
	}
	return fees.NewSampler(fees.SamplerOptions{
		Endpoint: a.Config.Fees.Endpoint,
		Interval: a.Config.Fees.SampleInterval,
		Timeout:  a.Config.Fees.RequestTimeout,
	}, history, a.Logger)
}

func (a *App) conversionRates() (map[event.Asset]decimal.Decimal, error) {
	rates := make(map[event.Asset]decimal.Decimal, 2)
	for _, asset := range []event.Asset{event.AssetSOL, event.AssetUSDC} {
		rate, err := a.Config.ConversionRate(string(asset))
		if err != nil {
			return nil, err
		}
		rates[asset] = rate
	}
	return rates, nil
}

// Run executes the long-running relay service. In demo mode the fake
// settlement simulator replaces the chain watcher and payout client;
// everything else, including the HTTP surface, runs the same way.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	sampler := a.newSampler(store)
	quoteOpts, err := fees.QuoteOptionsFromConfig(a.Config.Fees, a.Config.Demo.Enabled)
	if err != nil {
		return err
	}
	quotes := fees.NewQuoteEngine(quoteOpts, sampler)
	metrics := health.NewMetrics(a.Config.Metrics.Window, sampler, a.Config.Demo.Enabled)

	errCh := make(chan error, 3)

	go func() {
		_ = sampler.Run(ctx)
	}()

	var overlay api.DemoOverlay
	var engineDone chan struct{}
	if a.Config.Demo.Enabled {
		simulator := demo.NewSimulator(store, a.Config.Demo.SettleDelay, a.Logger)
		defer simulator.Stop()
		overlay = simulator
		a.Logger.Info().Dur("settle_delay", a.Config.Demo.SettleDelay).Msg("demo mode enabled; chain clients disabled")
	} else {
		engine, engineErr := a.newEngine(store, sampler, metrics)
		if engineErr != nil {
			return engineErr
		}
		engineDone = make(chan struct{})
		go func() {
			defer close(engineDone)
			if runErr := engine.Run(ctx); runErr != nil {
				errCh <- fmt.Errorf("settlement engine: %w", runErr)
			}
		}()
	}

	server := api.NewServer(a.Config.API, store, a.Config, quotes, metrics, overlay, a.Logger)
	go func() {
		if serveErr := server.Start(); serveErr != nil {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if stopErr := server.Stop(shutdownCtx); stopErr != nil {
		a.Logger.Error().Err(stopErr).Msg("api shutdown failed")
	}

	// In-flight settlements keep polling on their own payout timeouts;
	// wait for the engine to drain before exiting.
	if engineDone != nil {
		<-engineDone
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("relay service terminated with error")
		return err
	}

	a.Logger.Info().Msg("relay service stopped")
	return nil
}

func (a *App) newEngine(store *storage.Store, sampler *fees.Sampler, metrics *health.Metrics) (*relay.Engine, error) {
	rates, err := a.conversionRates()
	if err != nil {
		return nil, err
	}

	client := solana.NewClient(solana.Options{
		RPCURL:     a.Config.Solana.RPCURL,
		Commitment: a.Config.Solana.Commitment,
		Timeout:    a.Config.Solana.RequestTimeout,
	}, a.Logger)

	watcher := solana.NewWatcher(client, solana.WatcherOptions{
		ProgramID:    a.Config.Solana.ProgramID,
		PollInterval: a.Config.Solana.PollInterval,
	}, a.Logger)

	payout := zcash.NewClient(zcash.Options{
		RPCURL:      a.Config.Zcash.RPCURL,
		RPCUser:     a.Config.Zcash.RPCUser,
		RPCPassword: a.Config.Zcash.RPCPassword,
		FromAddress: a.Config.Zcash.FromAddress,
		Timeout:     a.Config.Zcash.RequestTimeout,
	}, a.Logger)

	opts := relay.Options{
		Rates:              rates,
		PayoutTimeout:      a.Config.Zcash.OperationTimeout,
		PayoutPollInterval: a.Config.Zcash.PollInterval,
	}

	var recorder relay.MetricsRecorder
	if metrics != nil {
		recorder = metrics
	}

	return relay.New(watcher, event.NewDecoder(), store, payout, sampler, recorder, a.newNotifier(), opts, a.Logger), nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting fee-sample history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// QuoteOptions configure the one-shot quote command.
type QuoteOptions struct {
	Asset  string
	Amount string
	Speed  string
}

// SimulateOptions configure the simulate-deposit command.
type SimulateOptions struct {
	UserAddress        string
	Asset              string
	Amount             string
	DestinationAddress string
	Wait               bool
}

// RedriveOptions configure the redrive command.
type RedriveOptions struct {
	DepositID string
}
