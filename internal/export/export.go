// Package export writes an owner's long-term memories to a spreadsheet.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// SheetName is the worksheet holding the records.
const SheetName = "Memories"

var (
	ErrNothingToExport = errors.New("no memories to export")
	ErrNilSource       = errors.New("export: source cannot be nil")
)

// Header is the first row of the sheet.
var Header = []string{"ID", "Summary", "Tag", "Importance", "Confidence", "Entities", "Last Accessed", "User ID"}

var columnWidths = map[string]float64{
	"A": 36, "B": 50, "C": 15, "D": 12, "E": 12, "F": 30, "G": 25, "H": 15,
}

// Source lists an owner's records.
type Source interface {
	All(ctx context.Context, owner string) ([]memory.Record, error)
}

// Exporter writes xlsx dumps.
type Exporter struct {
	source Source
	dir    string
	logger *zap.Logger
}

// New creates an Exporter. dir is used when Export gets no explicit path.
func New(source Source, dir string, logger *zap.Logger) (*Exporter, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	if dir == "" {
		dir = "exports"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{source: source, dir: dir, logger: logger}, nil
}

// DefaultPath is where Export writes when path is empty.
func (e *Exporter) DefaultPath(owner string) string {
	return filepath.Join(e.dir, owner+"_memories.xlsx")
}

// Export writes owner's records to path, or DefaultPath when path is empty,
// and returns the path written. On any failure no path is returned and no
// partial file is left behind.
func (e *Exporter) Export(ctx context.Context, owner, path string) (string, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return "", err
	}
	f, n, err := e.workbook(ctx, owner)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if path == "" {
		path = e.DefaultPath(owner)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}

	// Write to a sibling temp file and rename so readers never see a
	// half-written workbook.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*.xlsx")
	if err != nil {
		return "", fmt.Errorf("creating export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := f.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("writing workbook: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("writing workbook: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("moving workbook into place: %w", err)
	}

	e.logger.Info("exported memories", zap.String("owner", owner), zap.Int("records", n), zap.String("path", path))
	return path, nil
}

// WriteTo streams owner's workbook to w and returns the number of records.
func (e *Exporter) WriteTo(ctx context.Context, owner string, w io.Writer) (int, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return 0, err
	}
	f, n, err := e.workbook(ctx, owner)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return 0, fmt.Errorf("writing workbook: %w", err)
	}
	return n, nil
}

func (e *Exporter) workbook(ctx context.Context, owner string) (*excelize.File, int, error) {
	records, err := e.source.All(ctx, owner)
	if err != nil {
		return nil, 0, fmt.Errorf("listing memories for %s: %w", owner, err)
	}
	if len(records) == 0 {
		return nil, 0, ErrNothingToExport
	}
	f, err := Workbook(records)
	if err != nil {
		return nil, 0, err
	}
	return f, len(records), nil
}

// Workbook builds the spreadsheet for records.
func Workbook(records []memory.Record) (*excelize.File, error) {
	f := excelize.NewFile()
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
		}
	}()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetName, "A1", &Header); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("creating header style: %w", err)
	}
	if err := f.SetRowStyle(SheetName, 1, 1, bold); err != nil {
		return nil, fmt.Errorf("styling header: %w", err)
	}

	for i, r := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := []interface{}{
			r.ID,
			r.Summary,
			r.Tag,
			r.Importance,
			r.Confidence,
			strings.Join(r.Entities, ", "),
			r.LastAccessed.UTC().Format(time.RFC3339),
			r.Owner,
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}

	for col, width := range columnWidths {
		if err := f.SetColWidth(SheetName, col, col, width); err != nil {
			return nil, fmt.Errorf("sizing column %s: %w", col, err)
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
		Selection:   []excelize.Selection{{SQRef: "A2", ActiveCell: "A2", Pane: "bottomLeft"}},
	}); err != nil {
		return nil, fmt.Errorf("freezing header: %w", err)
	}

	ok = true
	return f, nil
}
