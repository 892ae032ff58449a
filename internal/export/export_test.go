package export

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

type stubSource struct {
	records []memory.Record
	err     error
}

func (s stubSource) All(context.Context, string) ([]memory.Record, error) {
	return s.records, s.err
}

func sampleRecords() []memory.Record {
	at := time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)
	return []memory.Record{
		{
			ID:           "0b5e",
			Summary:      "likes jazz",
			Tag:          "preferences",
			Importance:   0.6,
			Confidence:   0.8,
			Entities:     []string{"jazz", "weekend"},
			Owner:        "alice",
			LastAccessed: at,
		},
		{
			ID:           "7c1d",
			Summary:      "works at a bakery",
			Tag:          "work",
			Importance:   0.4,
			Confidence:   0.5,
			Owner:        "alice",
			LastAccessed: at.Add(time.Hour),
		},
	}
}

func TestExporter_Export(t *testing.T) {
	dir := t.TempDir()
	e, err := New(stubSource{records: sampleRecords()}, filepath.Join(dir, "out"), nil)
	require.NoError(t, err)

	path, err := e.Export(context.Background(), "alice", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "alice_memories.xlsx"), path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetName}, f.GetSheetList())

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, []string{"0b5e", "likes jazz", "preferences", "0.6", "0.8", "jazz, weekend", "2024-03-09T14:30:00Z", "alice"}, rows[1])
	assert.Equal(t, "works at a bakery", rows[2][1])
	assert.Equal(t, "2024-03-09T15:30:00Z", rows[2][6])

	width, err := f.GetColWidth(SheetName, "B")
	require.NoError(t, err)
	assert.Equal(t, 50.0, width)
	width, err = f.GetColWidth(SheetName, "A")
	require.NoError(t, err)
	assert.Equal(t, 36.0, width)

	panes, err := f.GetPanes(SheetName)
	require.NoError(t, err)
	assert.True(t, panes.Freeze)
	assert.Equal(t, "A2", panes.TopLeftCell)

	leftovers, err := filepath.Glob(filepath.Join(dir, "out", ".export-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestExporter_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	e, err := New(stubSource{records: sampleRecords()}, "", nil)
	require.NoError(t, err)

	want := filepath.Join(dir, "nested", "dump.xlsx")
	path, err := e.Export(context.Background(), "alice", want)
	require.NoError(t, err)
	assert.Equal(t, want, path)
	_, err = os.Stat(want)
	assert.NoError(t, err)
}

func TestExporter_Failures(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name   string
		source Source
		owner  string
		want   error
	}{
		{"no records", stubSource{}, "alice", ErrNothingToExport},
		{"bad owner", stubSource{records: sampleRecords()}, "", memory.ErrEmptyOwner},
		{"source error", stubSource{err: errors.New("index offline")}, "alice", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := New(tc.source, dir, nil)
			require.NoError(t, err)

			path, err := e.Export(context.Background(), tc.owner, "")
			require.Error(t, err)
			assert.Empty(t, path)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}

	_, err := os.Stat(filepath.Join(dir, "alice_memories.xlsx"))
	assert.True(t, os.IsNotExist(err))
}

func TestExporter_WriteTo(t *testing.T) {
	e, err := New(stubSource{records: sampleRecords()}, "", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := e.WriteTo(context.Background(), "alice", &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestNew_RequiresSource(t *testing.T) {
	_, err := New(nil, "", nil)
	assert.ErrorIs(t, err, ErrNilSource)
}
