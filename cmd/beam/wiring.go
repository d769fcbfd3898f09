package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/beamyard/internal/archive"
	"github.com/zulandar/beamyard/internal/beam"
	"github.com/zulandar/beamyard/internal/config"
	"github.com/zulandar/beamyard/internal/db"
	"github.com/zulandar/beamyard/internal/gather"
	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/llm/gemini"
	"github.com/zulandar/beamyard/internal/logging"
	"github.com/zulandar/beamyard/internal/metrics"
	"github.com/zulandar/beamyard/internal/notify"
	"github.com/zulandar/beamyard/internal/stream"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultConfigPath = "beam.yaml"

// loadConfig reads the config file. A missing default file falls back to
// built-in defaults; a missing explicit --config is an error.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
}

// newProviderRouter registers one streaming client per configured provider.
// Providers that cannot be built are skipped with a warning.
func newProviderRouter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*llm.Router, error) {
	router := llm.NewRouter()
	for _, p := range cfg.Providers {
		var (
			client llm.StreamClient
			err    error
		)
		switch p.Kind {
		case "gemini":
			client, err = gemini.New(ctx, p.APIKey(), logger)
		default:
			client, err = llm.NewOpenAIClient(llm.OpenAIOpts{
				Name:    p.Name,
				APIKey:  p.APIKey(),
				BaseURL: p.BaseURL,
				Logger:  logger,
			})
		}
		if err != nil {
			logger.Warn("provider disabled", zap.String("provider", p.Name), zap.Error(err))
			continue
		}
		router.Register(p.Name, client)
	}
	if len(router.Vendors()) == 0 {
		return nil, fmt.Errorf("no usable model providers; set the api_key_env variables in config")
	}
	return router, nil
}

// orderFactories puts the configured default factory first so it is the
// current fusion after every open.
func orderFactories(defaultID string) []gather.Factory {
	all := gather.Factories()
	out := make([]gather.Factory, 0, len(all))
	for _, f := range all {
		if f.ID == defaultID {
			out = append(out, f)
		}
	}
	for _, f := range all {
		if f.ID != defaultID {
			out = append(out, f)
		}
	}
	return out
}

type storeOpts struct {
	Client   llm.StreamClient
	Recorder beam.Recorder
	Speaker  stream.Speaker
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// newStore builds a Store from config and seeds per-ray models.
func newStore(cfg *config.Config, opts storeOpts) (*beam.Store, error) {
	runner := stream.NewRunner(stream.RunnerOpts{
		Client:     opts.Client,
		ThrottleHz: cfg.Stream.ThrottleHz,
		Speaker:    opts.Speaker,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
	store := beam.New(beam.Options{
		Runner:        runner,
		DefaultRays:   cfg.Scatter.DefaultRays,
		MinRays:       cfg.Scatter.MinRays,
		MaxRays:       cfg.Scatter.MaxRays,
		FusionMinRays: cfg.Gather.MinRays,
		Factories:     orderFactories(cfg.Gather.DefaultFactory),
		Recorder:      opts.Recorder,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
	})
	if err := seedRayModels(store, cfg.Scatter.Models); err != nil {
		return nil, err
	}
	return store, nil
}

func seedRayModels(store *beam.Store, modelIDs []string) error {
	if len(modelIDs) == 0 {
		return nil
	}
	if len(modelIDs) > len(store.State().Scatter.Rays) {
		store.SetRayCount(len(modelIDs))
	}
	rays := store.State().Scatter.Rays
	for i, m := range modelIDs {
		if i >= len(rays) {
			break
		}
		if err := store.SetRayModel(rays[i].ID, m); err != nil {
			return err
		}
	}
	return nil
}

// openArchive connects to and migrates the session archive.
func openArchive(cfg *config.Config) (*gorm.DB, error) {
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		db.Close(gormDB)
		return nil, err
	}
	return gormDB, nil
}

// newNotifier builds the configured chat notifiers, or nil when none are.
func newNotifier(cfg *config.Config) (notify.Notifier, error) {
	var targets notify.Multi
	if c := cfg.Notify.Slack; c.Enabled() {
		s, err := notify.NewSlack(c.Token(), c.ChannelID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, s)
	}
	if c := cfg.Notify.Discord; c.Enabled() {
		d, err := notify.NewDiscord(c.Token(), c.ChannelID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, d)
	}
	if len(targets) == 0 {
		return nil, nil
	}
	return targets, nil
}

// sinks holds the optional archive and notification back ends of a
// command. close releases whatever was opened.
type sinks struct {
	db         *gorm.DB
	dispatcher *notify.Dispatcher
	recorder   beam.Recorder
}

func openSinks(cfg *config.Config, withArchive bool, logger *zap.Logger) (*sinks, error) {
	s := &sinks{}
	var recorders beam.Recorders
	if withArchive {
		gormDB, err := openArchive(cfg)
		if err != nil {
			return nil, err
		}
		s.db = gormDB
		recorders = append(recorders, archive.NewRecorder(gormDB))
	}
	target, err := newNotifier(cfg)
	if err != nil {
		s.close()
		return nil, err
	}
	if target != nil {
		s.dispatcher = notify.NewDispatcher(target, 16, 30*time.Second, logger)
		recorders = append(recorders, notify.NewRecorder(s.dispatcher))
	}
	if len(recorders) > 0 {
		s.recorder = recorders
	}
	return s, nil
}

func (s *sinks) close() {
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.db != nil {
		db.Close(s.db)
	}
}
