package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shpitdev/leadgen-pipeline/internal/enrich"
	"github.com/shpitdev/leadgen-pipeline/internal/export"
	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"github.com/shpitdev/leadgen-pipeline/internal/store"
)

// LocalOptions describes one batch run from the command line.
type LocalOptions struct {
	// Search runs a lead search when set. Otherwise leads are read from InputPath.
	Search    *enrich.SearchInput
	InputPath string

	Enrich bool
	Score  bool
	Rubric string

	// OutputPath receives the CSV export and export.StatePath(OutputPath) the state file.
	// Empty skips both.
	OutputPath string

	// Owner, when set, saves every lead plus a top-leads snapshot.
	Owner string

	// Uploader, when set, puts the CSV export into object storage.
	Uploader *export.Uploader
}

// LocalResult reports what a local run did.
type LocalResult struct {
	Leads    []lead.Lead
	Enrich   *BulkResult
	Score    *BulkResult
	Saved    *store.SaveResult
	Uploaded string
	// StateFile is the path of the written state file, if any.
	StateFile string
}

// RunLocal runs search or import, then enrich, score, export, save and upload. Feeding
// the state file of an earlier run back as input resumes it: leads keep their IDs and
// addresses, and enriched or scored leads are skipped by the bulk selection.
func (a *App) RunLocal(ctx context.Context, opts LocalOptions, hooks Hooks) (LocalResult, error) {
	var res LocalResult
	leads, err := a.loadLeads(ctx, opts)
	if err != nil {
		return res, err
	}
	c, err := lead.NewCollection(leads...)
	if err != nil {
		return res, err
	}

	if opts.Enrich {
		out, err := a.EnrichAll(ctx, c, hooks)
		res.Enrich = &out
		if err != nil {
			res.Leads = c.All()
			return res, err
		}
	}
	if opts.Score {
		out, err := a.ScoreAll(ctx, c, opts.Rubric, hooks)
		res.Score = &out
		if err != nil {
			res.Leads = c.All()
			return res, err
		}
	}
	res.Leads = lead.SortByScore(c.All())

	data, err := export.CSV(res.Leads)
	if err != nil {
		return res, err
	}
	if opts.OutputPath != "" {
		if err := os.WriteFile(opts.OutputPath, data, 0o644); err != nil {
			return res, fmt.Errorf("write output: %w", err)
		}
		state, err := export.StateCSV(res.Leads)
		if err != nil {
			return res, err
		}
		res.StateFile = export.StatePath(opts.OutputPath)
		if err := os.WriteFile(res.StateFile, state, 0o644); err != nil {
			return res, fmt.Errorf("write state: %w", err)
		}
		a.logger.Info("export written", "path", opts.OutputPath, "state", res.StateFile, "leads", len(res.Leads))
	}

	if opts.Owner != "" {
		if a.store == nil {
			return res, errors.New("save requested but persistence is not configured")
		}
		saved := a.store.Save(ctx, opts.Owner, res.Leads, lead.TopN(res.Leads, store.TopLeadsLimit))
		res.Saved = &saved
		if !saved.Success {
			return res, fmt.Errorf("save leads: %s", saved.Error)
		}
	}

	if opts.Uploader != nil {
		key, err := opts.Uploader.Upload(ctx, export.Filename(time.Now()), data)
		if err != nil {
			return res, fmt.Errorf("upload export: %w", err)
		}
		res.Uploaded = key
		a.logger.Info("export uploaded", "key", key)
	}
	return res, nil
}

func (a *App) loadLeads(ctx context.Context, opts LocalOptions) ([]lead.Lead, error) {
	if opts.Search != nil {
		leads, msg, err := a.Search(ctx, *opts.Search)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", msg.Title, err)
		}
		return leads, nil
	}
	if opts.InputPath == "" {
		return nil, errors.New("either a search or an input file is required")
	}
	f, err := os.Open(opts.InputPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return export.ReadLeadsCSV(f)
}
