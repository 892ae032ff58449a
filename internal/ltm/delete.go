package ltm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Deletion targets.
const (
	TargetVectors = "vectors"
	TargetGraph   = "graph"
	TargetTags    = "tags"
	TargetBuffer  = "buffer"
)

// Status is the outcome of a bulk delete.
type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
)

// DeleteReport records the outcome of each deletion target. A nil error
// means the target was cleared.
type DeleteReport struct {
	Owner   string
	Targets map[string]error
}

// NewDeleteReport creates an empty report for owner.
func NewDeleteReport(owner string) *DeleteReport {
	return &DeleteReport{Owner: owner, Targets: make(map[string]error)}
}

// Record stores the outcome for target.
func (r *DeleteReport) Record(target string, err error) {
	r.Targets[target] = err
}

// Status is complete when every target succeeded, failed when every target
// failed, and partial otherwise.
func (r *DeleteReport) Status() Status {
	failed := len(r.Failed())
	switch {
	case failed == 0:
		return StatusComplete
	case failed == len(r.Targets):
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Failed returns the sorted names of targets that failed.
func (r *DeleteReport) Failed() []string {
	var out []string
	for target, err := range r.Targets {
		if err != nil {
			out = append(out, target)
		}
	}
	sort.Strings(out)
	return out
}

// Err joins the per-target errors, or returns nil when all succeeded.
func (r *DeleteReport) Err() error {
	var errs []error
	for _, target := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", target, r.Targets[target]))
	}
	return errors.Join(errs...)
}

// DeleteAll removes the owner's vectors, graph and tags. Each target is
// attempted regardless of the others.
func (s *Service) DeleteAll(ctx context.Context, owner string) *DeleteReport {
	ctx, span := tracer.Start(ctx, "Service.DeleteAll")
	defer span.End()

	report := NewDeleteReport(owner)
	report.Record(TargetVectors, s.vectors.DeleteAll(ctx, owner))
	report.Record(TargetGraph, s.graph.DeleteAll(ctx, owner))
	report.Record(TargetTags, s.tags.ClearTags(ctx, owner))

	if err := report.Err(); err != nil {
		span.RecordError(err)
		s.logger.Warn("bulk delete incomplete",
			zap.String("owner", owner),
			zap.String("status", string(report.Status())),
			zap.Strings("failed", report.Failed()),
			zap.Error(err))
	} else {
		s.logger.Info("deleted all long-term memory", zap.String("owner", owner))
	}
	return report
}
