package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/redact"
)

// tracedOperation logs every call of the wrapped operation: what was asked, how long it
// took, and how it ended.
type tracedOperation struct {
	name           string
	next           core.Operation[lead.Lead, lead.Patch]
	logger         *slog.Logger
	requestTimeout time.Duration

	mu       sync.Mutex
	attempts map[string]int
}

func newTracedOperation(name string, next core.Operation[lead.Lead, lead.Patch], logger *slog.Logger, requestTimeout time.Duration) *tracedOperation {
	return &tracedOperation{
		name:           name,
		next:           next,
		logger:         logger,
		requestTimeout: requestTimeout,
		attempts:       make(map[string]int),
	}
}

func (t *tracedOperation) Apply(ctx context.Context, l lead.Lead) (lead.Patch, error) {
	attempt := t.nextAttempt(l.ID)

	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	t.logger.Info(t.name+" request",
		"lead", l.ID,
		"company", l.Company(),
		"attempt", attempt,
		"timeout", t.requestTimeout,
		"deadlineIn", deadlineIn,
	)

	start := time.Now()
	out, err := t.next.Apply(ctx, l)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		t.logger.Warn(t.name+" response",
			"lead", l.ID,
			"attempt", attempt,
			"duration", elapsed,
			"status", "error",
			"retryable", core.IsTransient(err),
			"maxExtraRetries", maxExtraRetries(err),
			"error", redact.Secrets(err.Error()),
		)
		return out, err
	}

	t.logger.Info(t.name+" response",
		"lead", l.ID,
		"attempt", attempt,
		"duration", elapsed,
		"status", "ok",
		"response", patchSummary(out),
	)
	return out, nil
}

func (t *tracedOperation) nextAttempt(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[id]++
	return t.attempts[id]
}

// patchSummary renders the fields a patch sets, without owner contact details.
func patchSummary(p lead.Patch) string {
	m := map[string]any{}
	if p.Score != nil {
		m["score"] = *p.Score
	}
	if p.ScoreReason != nil {
		m["scoreReason"] = *p.ScoreReason
	}
	if e := p.Enrichment; e != nil {
		m["industry"] = e.Industry
		m["website"] = e.Website
		m["hasOwnerEmail"] = strings.TrimSpace(e.OwnerEmail) != ""
		m["employeesCount"] = e.EmployeesCount
	}
	b, _ := json.Marshal(m)
	return string(b)
}

type retryCap interface {
	MaxExtraRetries() int
}

func maxExtraRetries(err error) int {
	var capErr retryCap
	if errors.As(err, &capErr) {
		return max(capErr.MaxExtraRetries(), 0)
	}
	return 0
}
