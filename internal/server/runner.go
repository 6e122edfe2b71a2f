package server

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/conduit-lang/schemasync/internal/migrate"
)

// Runner serializes full sync passes so the watcher and the API never
// reconcile the same collection from two passes at once
type Runner struct {
	engine *migrate.Engine
	logger *zap.Logger

	mu   sync.Mutex
	last atomic.Pointer[migrate.Report]
}

// NewRunner creates a runner over engine
func NewRunner(engine *migrate.Engine, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{engine: engine, logger: logger}
}

// Engine returns the underlying engine
func (r *Runner) Engine() *migrate.Engine {
	return r.engine
}

// Sync runs a full collection sync, waiting for a running pass to finish
func (r *Runner) Sync(ctx context.Context) *migrate.Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := r.engine.FullCollectionSync(ctx)
	r.last.Store(report)

	fields := []zap.Field{
		zap.String("run_id", report.RunID),
		zap.String("summary", report.Summary()),
		zap.Duration("duration", report.Duration),
	}
	if len(report.Orphaned) > 0 {
		fields = append(fields, zap.Strings("orphaned", report.Orphaned))
	}
	if report.Failed() {
		r.logger.Warn("sync finished with failures", append(fields, zap.Error(report.Errors()))...)
	} else {
		r.logger.Info("sync finished", fields...)
	}
	return report
}

// Last returns the report of the most recent pass, or nil
func (r *Runner) Last() *migrate.Report {
	return r.last.Load()
}
