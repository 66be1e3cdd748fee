package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shpitdev/leadgen-pipeline/internal/app"
	"github.com/shpitdev/leadgen-pipeline/internal/config"
	"github.com/shpitdev/leadgen-pipeline/internal/enrich"
	"github.com/shpitdev/leadgen-pipeline/internal/enrich/gemini"
	"github.com/shpitdev/leadgen-pipeline/internal/enrich/openai"
	"github.com/shpitdev/leadgen-pipeline/internal/export"
	"github.com/shpitdev/leadgen-pipeline/internal/store"
)

func appConfig(cfg config.Config) app.Config {
	return app.Config{
		Rubric:         cfg.Pipeline.ScoringRubric,
		RequestTimeout: cfg.Pipeline.RequestTimeout,
		RateLimitRPS:   cfg.Pipeline.RateLimitRPS,
		MaxRetries:     cfg.Pipeline.MaxRetries,
	}
}

func buildProvider(ctx context.Context, cfg config.Config) (enrich.Provider, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		p, err := gemini.New(ctx, gemini.Config{
			APIKey:       cfg.Gemini.APIKey,
			Model:        cfg.Gemini.Model,
			BaseURL:      cfg.Gemini.BaseURL,
			CaptureAudit: cfg.Gemini.CaptureAudit,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		return p, nil
	case config.ProviderOpenAI:
		p, err := openai.New(openai.Config{
			BaseURL: cfg.OpenAI.BaseURL,
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*store.Service, error) {
	var repo store.Repository
	switch cfg.Store.Driver {
	case config.StoreMemory:
		r, err := store.OpenBadger("", logger)
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		repo = r
	case config.StoreBadger:
		r, err := store.OpenBadger(cfg.Store.BadgerDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		repo = r
	case config.StorePostgres:
		r, err := store.NewPostgresStore(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		repo = r
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return store.NewService(repo, logger), nil
}

func buildUploader(cfg config.Config) (*export.Uploader, error) {
	return export.NewUploader(export.S3Config{
		Endpoint:  cfg.Export.S3.Endpoint,
		AccessKey: cfg.Export.S3.AccessKey,
		SecretKey: cfg.Export.S3.SecretKey,
		Bucket:    cfg.Export.S3.Bucket,
		Region:    cfg.Export.S3.Region,
		UseSSL:    cfg.Export.S3.UseSSL,
		Prefix:    cfg.Export.S3.Prefix,
	})
}
