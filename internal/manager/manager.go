// Package manager is the per-owner memory facade used by the HTTP and MCP
// transports.
//
// It owns the tiering controller and the retriever, and routes every
// request to the right tier:
//
//	Append      short-term buffer, consolidating on overflow
//	Context     retrieval context plus recent short-term messages
//	Search/Get  long-term records
//	DeleteUser  every tier, reporting per-target status
//
// Read paths never fail on backend errors: they log a warning and return an
// empty result. Only invalid input is reported to the caller.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/events"
	"github.com/fyrsmithlabs/memoryd/internal/export"
	"github.com/fyrsmithlabs/memoryd/internal/ltm"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/retriever"
	"github.com/fyrsmithlabs/memoryd/internal/store"
	"github.com/fyrsmithlabs/memoryd/internal/tiering"
)

// DefaultRecent is how many short-term messages Context returns.
const DefaultRecent = 100

// publishTimeout bounds event publishing from the consolidation observer.
const publishTimeout = 5 * time.Second

var ErrNilDependency = errors.New("manager: dependency cannot be nil")

// Deps are the backends a Manager routes to. Events may be nil.
type Deps struct {
	Buffer store.Buffer
	LTM    *ltm.Service
	Events events.Publisher
}

// Options configures a Manager.
type Options struct {
	Tiering   tiering.Options
	Retrieval retriever.Options
	// Recent is how many buffered messages Context returns.
	Recent    int
	ExportDir string
}

// ContextResult is what a conversation front-end needs for its next turn.
type ContextResult struct {
	Memories string                `json:"memories"`
	Items    []memory.ScoredRecord `json:"items"`
	Messages []memory.Message      `json:"messages"`
}

// Manager routes requests across the memory tiers.
type Manager struct {
	buffer     store.Buffer
	ltm        *ltm.Service
	controller *tiering.Controller
	retriever  *retriever.Retriever
	exporter   *export.Exporter
	events     events.Publisher
	recent     int
	logger     *zap.Logger
}

// New creates a Manager and starts its consolidation workers.
func New(deps Deps, opts Options, logger *zap.Logger) (*Manager, error) {
	if deps.Buffer == nil || deps.LTM == nil {
		return nil, ErrNilDependency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if opts.Recent <= 0 {
		opts.Recent = DefaultRecent
	}

	m := &Manager{
		buffer: deps.Buffer,
		ltm:    deps.LTM,
		events: deps.Events,
		recent: opts.Recent,
		logger: logger,
	}

	var err error
	m.retriever, err = retriever.New(deps.LTM.Vectors(), deps.LTM.Graph(), opts.Retrieval, logger.Named("retriever"))
	if err != nil {
		return nil, fmt.Errorf("creating retriever: %w", err)
	}
	m.exporter, err = export.New(deps.LTM.Vectors(), opts.ExportDir, logger.Named("export"))
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}
	m.controller, err = tiering.New(deps.Buffer, deps.LTM, opts.Tiering, logger.Named("tiering"),
		tiering.WithObserver(m.onConsolidated))
	if err != nil {
		return nil, fmt.Errorf("creating tiering controller: %w", err)
	}
	return m, nil
}

// Append adds conversation turns to the owner's buffer.
func (m *Manager) Append(ctx context.Context, owner string, msgs ...memory.Message) error {
	return m.controller.Append(ctx, owner, msgs...)
}

// Recent returns up to limit buffered messages, oldest first. limit <= 0
// uses the configured default.
func (m *Manager) Recent(ctx context.Context, owner string, limit int) ([]memory.Message, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = m.recent
	}
	msgs, err := m.buffer.Recent(ctx, owner, limit)
	if err != nil {
		m.logger.Warn("failed to read short-term buffer", zap.String("owner", owner), zap.Error(err))
		return []memory.Message{}, nil
	}
	if msgs == nil {
		msgs = []memory.Message{}
	}
	return msgs, nil
}

// Context retrieves memories relevant to query together with the recent
// conversation.
func (m *Manager) Context(ctx context.Context, owner, query string, topK int) (ContextResult, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return ContextResult{}, err
	}
	out := ContextResult{Items: []memory.ScoredRecord{}}

	if query != "" {
		res, err := m.retriever.Retrieve(ctx, owner, query, topK)
		if err != nil {
			m.logger.Warn("retrieval failed, returning no memories",
				zap.String("owner", owner), zap.Error(err))
		} else {
			out.Memories = res.Context
			if res.Items != nil {
				out.Items = res.Items
			}
		}
	}

	out.Messages, _ = m.Recent(ctx, owner, 0)
	return out, nil
}

// Search returns ranked records for query.
func (m *Manager) Search(ctx context.Context, owner, query string, topK int) ([]memory.ScoredRecord, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}
	res, err := m.retriever.Retrieve(ctx, owner, query, topK)
	if err != nil {
		m.logger.Warn("search failed", zap.String("owner", owner), zap.Error(err))
		return []memory.ScoredRecord{}, nil
	}
	if res.Items == nil {
		return []memory.ScoredRecord{}, nil
	}
	return res.Items, nil
}

// Get fetches one record, reinforcing it. The boolean is false when the
// record does not exist or could not be read.
func (m *Manager) Get(ctx context.Context, owner, id string) (memory.Record, bool, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return memory.Record{}, false, err
	}
	rec, ok, err := m.ltm.Vectors().GetByID(ctx, owner, id)
	if err != nil {
		m.logger.Warn("failed to fetch memory", zap.String("owner", owner), zap.String("id", id), zap.Error(err))
		return memory.Record{}, false, nil
	}
	return rec, ok, nil
}

// Ingest stores tagged candidates directly, skipping extraction.
func (m *Manager) Ingest(ctx context.Context, owner string, tagged map[string][]memory.Candidate) (ltm.Result, error) {
	res, err := m.ltm.Ingest(ctx, owner, tagged)
	if err != nil {
		return ltm.Result{}, err
	}
	m.publish(ctx, consolidatedEvent(owner, 0, res))
	return res, nil
}

// Tags returns the owner's tag vocabulary.
func (m *Manager) Tags(ctx context.Context, owner string) ([]string, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}
	tags, err := m.ltm.Tags().Tags(ctx, owner)
	if err != nil {
		m.logger.Warn("failed to read tags", zap.String("owner", owner), zap.Error(err))
		return []string{}, nil
	}
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

// Export writes the owner's records to an xlsx file and returns its path.
func (m *Manager) Export(ctx context.Context, owner, path string) (string, error) {
	return m.exporter.Export(ctx, owner, path)
}

// WriteExport streams the owner's xlsx export to w.
func (m *Manager) WriteExport(ctx context.Context, owner string, w io.Writer) (int, error) {
	return m.exporter.WriteTo(ctx, owner, w)
}

// DeleteUser removes the owner's buffer, vectors, graph and tags. Every
// target is attempted; the report says which ones failed.
func (m *Manager) DeleteUser(ctx context.Context, owner string) (*ltm.DeleteReport, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}

	m.controller.Discard(owner)
	bufErr := m.buffer.Clear(ctx, owner)
	if bufErr != nil {
		m.logger.Warn("failed to clear short-term buffer", zap.String("owner", owner), zap.Error(bufErr))
	}

	report := m.ltm.DeleteAll(ctx, owner)
	report.Record(ltm.TargetBuffer, bufErr)

	ev := events.Event{
		Kind:   events.KindDeleted,
		Owner:  owner,
		Status: string(report.Status()),
		Failed: report.Failed(),
	}
	if err := report.Err(); err != nil {
		ev.Error = err.Error()
	}
	m.publish(ctx, ev)

	m.logger.Info("deleted user",
		zap.String("owner", owner),
		zap.String("status", string(report.Status())),
		zap.Strings("failed", report.Failed()))
	return report, nil
}

// Wait blocks until running consolidations finish.
func (m *Manager) Wait() {
	m.controller.Wait()
}

// Close waits for running consolidations and stops the workers. Backends
// are owned by the caller.
func (m *Manager) Close() error {
	return m.controller.Close()
}

func (m *Manager) onConsolidated(out tiering.Outcome) {
	ev := consolidatedEvent(out.Owner, out.Messages, out.Result)
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	m.publish(ctx, ev)
}

func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("kind", string(ev.Kind)), zap.String("owner", ev.Owner), zap.Error(err))
	}
}

func consolidatedEvent(owner string, messages int, res ltm.Result) events.Event {
	ids := make([]string, len(res.Added))
	for i, r := range res.Added {
		ids[i] = r.ID
	}
	ev := events.Event{
		Kind:     events.KindConsolidated,
		Owner:    owner,
		Messages: messages,
		Added:    ids,
		Tags:     res.Tags,
	}
	if res.GraphErr != nil {
		ev.Error = res.GraphErr.Error()
	}
	return ev
}
