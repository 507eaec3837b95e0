package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/grafana/pyroscope-go"
	"github.com/spf13/pflag"

	"github.com/rewired-gh/marketppo/internal/agent"
	"github.com/rewired-gh/marketppo/internal/config"
	"github.com/rewired-gh/marketppo/internal/logger"
	"github.com/rewired-gh/marketppo/internal/market"
	"github.com/rewired-gh/marketppo/internal/policy"
	"github.com/rewired-gh/marketppo/internal/session"
	sigfeed "github.com/rewired-gh/marketppo/internal/signal"
	"github.com/rewired-gh/marketppo/internal/simconfig"
	"github.com/rewired-gh/marketppo/internal/storage"
	"github.com/rewired-gh/marketppo/internal/telegram"
	"github.com/rewired-gh/marketppo/internal/training"
)

var configPath = pflag.String("config", "", "Path to configuration file")

func main() {
	config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	cfg, err := config.Load(*configPath, pflag.CommandLine)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	if *configPath != "" {
		logger.Info("Configuration loaded from %s", *configPath)
	}

	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.ApplicationName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			Tags:            map[string]string{"agent": cfg.Train.AgentName},
			Logger:          profilerLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logger.Fatal("Failed to start profiler: %v", err)
		}
		defer func() { _ = profiler.Stop() }()
		logger.Info("Continuous profiling enabled (server: %s)", cfg.Profiling.ServerAddress)
	}

	store, err := storage.New(cfg.Storage.MaxRuns, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping after the current rollout...")
		cancel()
	}()

	doc, err := simconfig.Load(cfg.Paths.ConfigPath)
	if err != nil {
		logger.Fatal("Failed to load simulation config: %v", err)
	}
	ranges, err := simconfig.LoadVariableRanges(cfg.Paths.VariableRangesPath)
	if err != nil {
		logger.Fatal("Failed to load variable ranges: %v", err)
	}
	logger.Info("Simulation config %s: %d markets, %d agent groups, %d sessions (%d steps per episode)",
		cfg.Paths.ConfigPath, len(doc.Markets), len(doc.Agents), len(doc.Sessions), doc.TotalSteps())

	feed, err := loadSignals(ctx, cfg, store)
	if err != nil {
		logger.Fatal("Failed to load signals: %v", err)
	}
	logger.Info("Signal feed ready with %d signals", feed.Len())

	group, ok := doc.Block(cfg.Train.AgentName)
	if !ok {
		logger.Fatal("Agent group %s is not defined in %s", cfg.Train.AgentName, cfg.Paths.ConfigPath)
	}
	if group.Class() != simconfig.ClassRLAgent {
		logger.Fatal("Agent group %s has class %s, want %s", cfg.Train.AgentName, group.Class(), simconfig.ClassRLAgent)
	}
	if cfg.Train.Device != "cpu" {
		logger.Warn("Device %s is not supported by the linear policy, using cpu", cfg.Train.Device)
	}

	obsDim := agent.ObservationDim(agent.BlockFlags(group))
	pol, err := policy.NewLinearGaussian(
		policy.DefaultLinearGaussianConfig(obsDim, agent.ActionDim),
		rand.New(rand.NewSource(cfg.Train.Seed)),
	)
	if err != nil {
		logger.Fatal("Failed to create policy: %v", err)
	}
	logger.Debug("Policy: %d observation features, %d action components", obsDim, agent.ActionDim)

	opts := session.Options{
		Params: market.Params{
			DepthRange:          cfg.Market.DepthRange,
			LimitOrderRange:     cfg.Market.LimitOrderRange,
			MaxOrderVolume:      cfg.Market.MaxOrderVolume,
			ShortSellingPenalty: cfg.Market.ShortSellingPenalty,
			ExecutionBonus:      cfg.Market.ExecutionBonus,
		},
		TraitMemory: cfg.Market.AgentTraitMemory,
		Observer:    agent.Observer{Ranges: ranges, DepthRange: cfg.Market.DepthRange},
		Policies:    map[string]agent.Predictor{cfg.Train.AgentName: pol},
		Signals:     feed,
	}
	factory := func(rng *rand.Rand) (*session.Runner, error) {
		return session.New(doc, opts, rng)
	}
	if _, err := factory(rand.New(rand.NewSource(cfg.Train.Seed))); err != nil {
		logger.Fatal("Failed to build simulation: %v", err)
	}

	var telegramClient *telegram.Client
	var notifier training.Notifier
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelay)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		notifier = telegramClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	loop, err := training.New(training.ConfigFrom(cfg), pol, factory, store, notifier)
	if err != nil {
		logger.Fatal("Failed to create training loop: %v", err)
	}
	if telegramClient != nil {
		telegramClient.SetStatusFunc(loop.Status)
		telegramClient.ListenForCommands(ctx)
	}

	res, err := loop.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Training stopped after %d steps (run %s)", res.TrainSteps, res.RunID)
			return
		}
		logger.Error("Training failed: %v", err)
		cancel()
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Run %s finished: %d steps, best return %.4f, %d divergences",
		res.RunID, res.TrainSteps, res.BestReturn, res.Divergences)

	if err := store.RotateRuns(); err != nil {
		logger.Warn("Failed to rotate runs: %v", err)
	}
}

// loadSignals picks the first configured source: a JSON file, an HTTP
// endpoint (cached in storage, falling back to the cache on failure) or the
// stored signals. No source yields an empty feed.
func loadSignals(ctx context.Context, cfg *config.Config, store *storage.Storage) (*sigfeed.Feed, error) {
	switch {
	case cfg.Paths.SignalsPath != "":
		logger.Debug("Loading signals from %s", cfg.Paths.SignalsPath)
		return sigfeed.LoadFile(cfg.Paths.SignalsPath)

	case cfg.Signals.URL != "":
		client := sigfeed.NewClient(cfg.Signals.URL, cfg.Signals.Timeout, cfg.Signals.MaxRetries, cfg.Signals.RetryDelay)
		feed, err := client.Fetch(ctx)
		if err != nil {
			logger.Warn("Failed to fetch signals, using stored signals: %v", err)
			return storedSignals(store)
		}
		if err := store.SaveSignals(feed.All()); err != nil {
			logger.Warn("Failed to cache fetched signals: %v", err)
		}
		return feed, nil

	case cfg.Signals.FromStorage:
		return storedSignals(store)
	}
	return sigfeed.Empty(), nil
}

func storedSignals(store *storage.Storage) (*sigfeed.Feed, error) {
	signals, err := store.LoadSignals()
	if err != nil {
		return nil, fmt.Errorf("failed to load stored signals: %w", err)
	}
	return sigfeed.NewFeed(signals)
}

// profilerLogger routes profiler messages into the application log.
type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logger.Debug(format, args...) }
func (profilerLogger) Debugf(format string, args ...interface{}) { logger.Debug(format, args...) }
func (profilerLogger) Errorf(format string, args ...interface{}) { logger.Warn(format, args...) }
