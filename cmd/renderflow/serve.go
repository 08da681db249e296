package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"

	"github.com/illmade-knight/go-renderflow/pkg/events"
	"github.com/illmade-knight/go-renderflow/pkg/objectstore"
	"github.com/illmade-knight/go-renderflow/pkg/pipeline"
	"github.com/illmade-knight/go-renderflow/pkg/runledger"
	"github.com/illmade-knight/go-renderflow/pkg/service"
	"github.com/illmade-knight/go-renderflow/pkg/upstream"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the render pipeline server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := service.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "renderflow.yaml", "path to config file")
	return cmd
}

func runServe(cfg *service.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build cache store: %w", err)
	}
	defer func() { _ = store.Close() }()

	var gcsOpts []option.ClientOption
	if cfg.GCS.CredentialsFile != "" {
		gcsOpts = append(gcsOpts, option.WithCredentialsFile(cfg.GCS.CredentialsFile))
	}
	gcsClient, err := storage.NewClient(ctx, gcsOpts...)
	if err != nil {
		return fmt.Errorf("failed to create GCS client: %w", err)
	}
	defer func() { _ = gcsClient.Close() }()

	uploader, err := objectstore.NewUploader(objectstore.NewGCSClientAdapter(gcsClient), objectstore.UploaderConfig{
		BucketName:   cfg.GCS.Bucket,
		ObjectPrefix: cfg.GCS.ObjectPrefix,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create uploader: %w", err)
	}

	prompts := upstream.NewChatPromptSynthesizer(upstream.ChatConfig{
		BaseURL: cfg.Prompt.BaseURL,
		APIKey:  cfg.Prompt.APIKey,
		Model:   cfg.Prompt.Model,
	}, logger)
	images := upstream.NewEditImageClient(upstream.ImageConfig{
		BaseURL:          cfg.Image.BaseURL,
		APIKey:           cfg.Image.APIKey,
		Endpoint:         cfg.Image.Endpoint,
		GenerateEndpoint: cfg.Image.GenerateEndpoint,
	}, logger)

	orchestrator, err := pipeline.NewOrchestrator(
		pipeline.Config{SourceIDKey: cfg.SourceIDKey},
		store, prompts, images, images, uploader, logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	renderer, err := pipeline.NewPromptRenderer(images, images, uploader, logger)
	if err != nil {
		return fmt.Errorf("failed to create prompt renderer: %w", err)
	}

	var publisher events.Publisher
	if cfg.Events.Enabled {
		psClient, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to create pubsub client: %w", err)
		}
		defer func() { _ = psClient.Close() }()
		publisher, err = events.NewGooglePublisher(ctx, psClient, cfg.Events.TopicID, logger)
		if err != nil {
			return fmt.Errorf("failed to create completion publisher: %w", err)
		}
	}

	var recorder runledger.Recorder
	if cfg.Ledger.Enabled {
		bqClient, err := runledger.NewProductionBigQueryClient(ctx, cfg.Ledger.ProjectID, cfg.Ledger.CredentialsFile, logger)
		if err != nil {
			return fmt.Errorf("failed to create bigquery client: %w", err)
		}
		defer func() { _ = bqClient.Close() }()
		recorder, err = runledger.NewBigQueryRecorder(ctx, bqClient, runledger.BigQueryConfig{
			DatasetID:       cfg.Ledger.DatasetID,
			TableID:         cfg.Ledger.TableID,
			CredentialsFile: cfg.Ledger.CredentialsFile,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create run ledger: %w", err)
		}
	}

	server, err := service.NewServer(cfg.HTTPPort, orchestrator, renderer, store, publisher, recorder, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info().Str("port", server.GetHTTPPort()).Msg("renderflow serving")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Error stopping completion publisher.")
		}
	}
	return server.Shutdown(shutdownCtx)
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger(), nil
}
