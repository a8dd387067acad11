package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/bluesky-tracker/api"
	"github.com/brettboylen/bluesky-tracker/db"
	"github.com/brettboylen/bluesky-tracker/feed"
	"github.com/brettboylen/bluesky-tracker/logging"
	"github.com/brettboylen/bluesky-tracker/pipeline"
	"github.com/brettboylen/bluesky-tracker/profile"
	"github.com/brettboylen/bluesky-tracker/scheduler"
	"github.com/brettboylen/bluesky-tracker/sentiment"
	"github.com/brettboylen/bluesky-tracker/server"
	"github.com/brettboylen/bluesky-tracker/stats"
	"github.com/brettboylen/bluesky-tracker/thread"
	"github.com/brettboylen/bluesky-tracker/utils"
)

// weekly, outside the default pipeline slots
const cleanupSchedule = "30 3 * * 0"

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	logLevel := flag.String("log-level", "info", "Logging level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, color, json)")
	once := flag.Bool("once", false, "Run the pipeline once and exit")
	accountHandle := flag.String("account", "", "With -once, only process this account")
	cleanup := flag.Bool("cleanup", false, "Remove orphan posts and re-open empty reply trees, then exit")
	dryRun := flag.Bool("dry-run", false, "With -cleanup, only report what would change")
	flag.Parse()

	log, err := logging.New(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.Info("Starting Bluesky Tracker")

	config, err := utils.LoadConfig(*envPath, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	log.WithFields(logrus.Fields{
		"driver":         config.Database.Driver,
		"sentiment_tool": config.Sentiment.Tool,
		"schedule":       config.Pipeline.Schedule,
		"workers":        config.Pipeline.Workers,
		"server_port":    config.Server.Port,
	}).Info("Configuration loaded")

	database, err := db.NewDatabase(db.DatabaseConfig{
		Driver: config.Database.Driver,
		Path:   config.Database.Path,
		DSN:    config.Database.DSN,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close()

	runner, err := newRunner(config, database, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up pipeline")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seeds, err := utils.LoadAccountSeeds(config.Accounts.File, config.Accounts.Handles)
	if err != nil {
		log.WithError(err).Fatal("Failed to load tracked accounts")
	}
	if _, err := runner.Seed(ctx, seeds); err != nil {
		log.WithError(err).Fatal("Failed to seed tracked accounts")
	}

	switch {
	case *cleanup:
		result, err := runner.Cleanup(ctx, *dryRun)
		if err != nil {
			log.WithError(err).Fatal("Cleanup failed")
		}
		log.WithFields(logrus.Fields{
			"orphan_posts": result.OrphanPosts,
			"reset_roots":  result.ResetRoots,
			"dry_run":      result.DryRun,
		}).Info("Cleanup finished")
		return

	case *once:
		go func() {
			waitForShutdown(ctx, cancel, log)
		}()

		if *accountHandle != "" {
			err = runner.RunAccount(ctx, *accountHandle)
		} else {
			err = runner.RunAll(ctx)
		}
		if err != nil {
			log.WithError(err).Error("Pipeline run finished with errors")
			database.Close()
			os.Exit(1)
		}
		return
	}

	sched, err := scheduler.New(
		config.Pipeline.Timezone,
		time.Duration(config.Pipeline.JobTimeoutMinutes)*time.Minute,
		log,
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to create scheduler")
	}
	if err := sched.AddJob("pipeline", config.Pipeline.Schedule, runner.RunAll); err != nil {
		log.WithError(err).Fatal("Failed to schedule pipeline")
	}
	if err := sched.AddJob("cleanup", cleanupSchedule, func(ctx context.Context) error {
		_, err := runner.Cleanup(ctx, false)
		return err
	}); err != nil {
		log.WithError(err).Fatal("Failed to schedule cleanup")
	}
	sched.Start()

	apiServer := server.New(ctx, database, runner, sched, server.Config{
		Port:                 config.Server.Port,
		MaxRequestsPerMinute: config.Server.MaxRequestsPerMinute,
		Tool:                 config.Sentiment.Tool,
	}, log)

	go func() {
		if err := apiServer.Start(ctx); err != nil {
			log.WithError(err).Error("API server stopped unexpectedly")
			cancel()
		}
	}()

	waitForShutdown(ctx, cancel, log)

	stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := sched.Stop(stopCtx); err != nil {
		log.WithError(err).Warn("Scheduled jobs did not stop in time")
	}
	log.Info("Bluesky Tracker stopped")
}

// newRunner builds the API client, the stage services and the runner
func newRunner(config *utils.Config, database *db.Database, log *logrus.Logger) (*pipeline.Runner, error) {
	client := api.NewClient(api.Config{
		PDSURL:               config.Bluesky.PDSURL,
		APIURL:               config.Bluesky.APIURL,
		MaxRequestsPerMinute: config.Bluesky.MaxRequestsPerMinute,
		UserAgent:            fmt.Sprintf("%s/%s", config.App.Name, config.App.Version),
	}, log)

	registry := sentiment.NewRegistry()
	if config.Sentiment.OpenAIAPIKey != "" {
		scorer, err := sentiment.NewOpenAIScorer(config.Sentiment.OpenAIAPIKey, config.Sentiment.OpenAIModel, log)
		if err != nil {
			return nil, err
		}
		registry.Register(sentiment.ToolOpenAI, scorer)
	}
	if _, err := registry.Get(config.Sentiment.Tool); err != nil {
		return nil, fmt.Errorf("sentiment tool %q: %w", config.Sentiment.Tool, err)
	}

	stages := pipeline.Stages{
		Profiles: profile.NewRefresher(client, log),
		Feed: feed.NewCrawler(client, feed.Config{
			PageSize:       config.Crawler.FeedPageSize,
			RecheckWindow:  time.Duration(config.Crawler.FeedRecheckHours) * time.Hour,
			MaxPagesPerDay: config.Crawler.FeedMaxPagesPerDay,
		}, log),
		Threads: thread.NewReconstructor(client, thread.Config{
			Eligibility: thread.Eligibility{
				FreshnessWindow: time.Duration(config.Crawler.ThreadFreshnessDays) * 24 * time.Hour,
				RespectStartAt:  config.Crawler.ThreadRespectStartAt,
			},
			MaxDepth: config.Crawler.ThreadMaxDepth,
		}, log),
		Sentiment:  sentiment.NewService(registry, log),
		Statistics: stats.NewAggregator(config.Sentiment.Tool, log),
	}

	return pipeline.NewRunner(
		database,
		api.NewAuthenticator(client, config.Bluesky.Identifier, config.Bluesky.Password),
		stages,
		pipeline.Config{
			Workers: config.Pipeline.Workers,
			Tool:    config.Sentiment.Tool,
		},
		log,
	), nil
}

// waitForShutdown waits for a shutdown signal, or for ctx to end
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, log *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
	case <-ctx.Done():
	}

	cancel()
}
