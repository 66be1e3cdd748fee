package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shpitdev/leadgen-pipeline/internal/api"
	"github.com/shpitdev/leadgen-pipeline/internal/app"
	"github.com/shpitdev/leadgen-pipeline/internal/config"
	"github.com/shpitdev/leadgen-pipeline/internal/enrich"
	"github.com/shpitdev/leadgen-pipeline/internal/export"
	"github.com/shpitdev/leadgen-pipeline/internal/session"
	"github.com/shpitdev/leadgen-pipeline/internal/store"
	"github.com/shpitdev/leadgen-pipeline/internal/version"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/bulk"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/redact"
	"github.com/urfave/cli/v2"
)

const configKey = "leadgen.config"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %s\n", redact.Secrets(err.Error()))
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "leadgen",
		Usage:   "Find, enrich, score, and save business leads",
		Version: version.Current,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				EnvVars: []string{"LEADGEN_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error); overrides the config file",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the HTTP API",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address; overrides SERVER_ADDR",
					},
				},
			},
			{
				Name:   "run",
				Usage:  "Search or import leads, enrich and score them, and write a CSV export",
				Action: runCommand,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "industry",
						Aliases: []string{"i"},
						Usage:   "Industry to search for (repeatable)",
					},
					&cli.StringFlag{
						Name:  "location",
						Usage: "Location to search in",
					},
					&cli.StringFlag{
						Name:  "input",
						Usage: "Import leads from a CSV export instead of searching",
					},
					&cli.BoolFlag{
						Name:  "enrich",
						Usage: "Enrich leads without an owner email",
						Value: true,
					},
					&cli.BoolFlag{
						Name:  "score",
						Usage: "Score leads without a score",
						Value: true,
					},
					&cli.StringFlag{
						Name:  "rubric",
						Usage: "Scoring prompt; defaults to SCORING_RUBRIC or the built-in rubric",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Write the CSV export to this path",
					},
					&cli.StringFlag{
						Name:  "owner",
						Usage: "Save the results for this user",
					},
					&cli.BoolFlag{
						Name:  "upload",
						Usage: "Upload the CSV export to the configured S3 bucket",
					},
				},
			},
			{
				Name:   "saved",
				Usage:  "Print a user's saved leads as CSV",
				Action: savedCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "owner",
						Usage:    "User whose saved leads to print",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "industry",
						Usage: "Only print leads in this industry",
					},
				},
			},
		},
	}
}

// setupLogger loads the config once and installs a JSON logger at the configured level.
func setupLogger(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if lvl := strings.TrimSpace(c.String("log-level")); lvl != "" {
		cfg.LogLevel = strings.ToLower(lvl)
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return fmt.Errorf("%w: must be one of debug, info, warn, error", err)
	}

	logger := slog.New(slog.NewJSONHandler(c.App.ErrWriter, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	c.App.Metadata = map[string]any{configKey: cfg}
	return nil
}

func loadedConfig(c *cli.Context) config.Config {
	if cfg, ok := c.App.Metadata[configKey].(config.Config); ok {
		return cfg
	}
	return config.Default()
}

func serveCommand(c *cli.Context) error {
	cfg := loadedConfig(c)
	if addr := strings.TrimSpace(c.String("addr")); addr != "" {
		cfg.Server.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := slog.Default()

	provider, err := buildProvider(c.Context, cfg)
	if err != nil {
		return err
	}
	svc, err := openStore(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("close store", "err", redact.Secrets(err.Error()))
		}
	}()

	mgr, err := session.NewManager(cfg.Pipeline.RunPoolSize,
		session.WithLogger(logger),
		session.WithIdleTTL(cfg.Server.SessionIdleTTL),
	)
	if err != nil {
		return fmt.Errorf("create run pool: %w", err)
	}
	a := app.New(provider, svc, appConfig(cfg), logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(a, mgr, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "provider", cfg.Provider, "store", cfg.Store.Driver, "version", version.Current)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = mgr.Close(0)
			return fmt.Errorf("serve: %w", err)
		}
	case <-c.Context.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := mgr.Close(cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("run pool shutdown", "err", err)
	}
	return nil
}

func runCommand(c *cli.Context) error {
	cfg := loadedConfig(c)
	opts := app.LocalOptions{
		InputPath:  strings.TrimSpace(c.String("input")),
		Enrich:     c.Bool("enrich"),
		Score:      c.Bool("score"),
		Rubric:     c.String("rubric"),
		OutputPath: strings.TrimSpace(c.String("output")),
		Owner:      strings.TrimSpace(c.String("owner")),
	}
	if inds := c.StringSlice("industry"); len(inds) > 0 || c.String("location") != "" {
		if opts.InputPath != "" {
			return errors.New("use either --input or --industry/--location, not both")
		}
		in := enrich.SearchInput{Industries: inds, Location: c.String("location")}
		if err := in.Validate(); err != nil {
			return err
		}
		opts.Search = &in
	}
	if opts.Search == nil && opts.InputPath == "" {
		return errors.New("either --input or --industry with --location is required")
	}
	if opts.OutputPath == "" && opts.Owner == "" && !c.Bool("upload") {
		return errors.New("nothing would be kept: set --output, --owner, or --upload")
	}

	var errs []error
	if opts.Search != nil || opts.Enrich || opts.Score {
		errs = append(errs, cfg.ValidateProvider())
	}
	if opts.Owner != "" {
		errs = append(errs, cfg.ValidateStore())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := slog.Default()

	var provider enrich.Provider
	if opts.Search != nil || opts.Enrich || opts.Score {
		p, err := buildProvider(c.Context, cfg)
		if err != nil {
			return err
		}
		provider = p
	}
	var svc *store.Service
	if opts.Owner != "" {
		s, err := openStore(c.Context, cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		svc = s
	}
	a := app.New(provider, svc, appConfig(cfg), logger)
	if c.Bool("upload") {
		u, err := buildUploader(cfg)
		if err != nil {
			return err
		}
		opts.Uploader = u
	}

	w := c.App.ErrWriter
	res, err := a.RunLocal(c.Context, opts, app.Hooks{
		OnProgress: func(p bulk.Progress) {
			_, _ = fmt.Fprintf(w, "%s %d/%d (%d%%) ok=%d failed=%d\n",
				p.Action, p.Completed, p.Total, p.Percent(), p.Succeeded, p.Failed)
		},
		Cancelled: func() bool { return c.Context.Err() != nil },
	})
	for _, r := range []*app.BulkResult{res.Enrich, res.Score} {
		if r != nil {
			_, _ = fmt.Fprintf(w, "%s: %s\n", r.Message.Title, r.Message.Description)
		}
	}
	if err != nil {
		return err
	}
	if opts.OutputPath != "" {
		_, _ = fmt.Fprintf(w, "wrote %d leads to %s\n", len(res.Leads), opts.OutputPath)
		_, _ = fmt.Fprintf(w, "resume with --input %s\n", res.StateFile)
	}
	if res.Saved != nil {
		_, _ = fmt.Fprintf(w, "saved %d leads for %s\n", len(res.Leads), opts.Owner)
	}
	if res.Uploaded != "" {
		_, _ = fmt.Fprintf(w, "uploaded %s\n", res.Uploaded)
	}
	return nil
}

func savedCommand(c *cli.Context) error {
	cfg := loadedConfig(c)
	if err := cfg.ValidateStore(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	svc, err := openStore(c.Context, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	a := app.New(nil, svc, appConfig(cfg), slog.Default())
	res := a.SavedLeads(c.Context, c.String("owner"), c.String("industry"))
	if res.Error != "" {
		return errors.New(res.Error)
	}
	return export.WriteCSV(c.App.Writer, res.Leads)
}
