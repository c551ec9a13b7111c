package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idealista-analytics/pipeline/internal/config"
	"github.com/idealista-analytics/pipeline/internal/dataset"
	"github.com/idealista-analytics/pipeline/internal/db"
	"github.com/idealista-analytics/pipeline/internal/model"
)

var fixedNow = time.Date(2024, 3, 9, 6, 0, 5, 0, time.UTC)

func clock() time.Time { return fixedNow }

func sampleTable() *dataset.Table {
	return &dataset.Table{
		Columns: []string{"address", "price"},
		Rows: []model.Listing{
			{"address": "Calle Mayor, Mo\u0301stoles", "price": json.Number("250000")},
			{"price": json.Number("180000")},
		},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

// stubSink records whether it was called.
type stubSink struct {
	name   string
	result Result
	calls  int
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Write(context.Context, *dataset.Table) Result {
	s.calls++
	return s.result
}

func TestFileSink_WritesTimestampedCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	s := NewFileSink(dir, "idealista_properties", WithClock(clock))

	res := s.Write(context.Background(), sampleTable())

	require.NoError(t, res.Err)
	assert.Equal(t, StatusWritten, res.Status)
	assert.Equal(t, int64(2), res.Rows)
	assert.Equal(t, filepath.Join(dir, "idealista_properties_20240309_060005.csv"), res.Location)

	records := readCSV(t, res.Location)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"address", "price"}, records[0])
	assert.Equal(t, []string{"Calle Mayor, M\u00f3stoles", "250000"}, records[1], "text is NFC-normalized")
	assert.Equal(t, []string{"", "180000"}, records[2])
}

func TestFileSink_DoesNotMutateTable(t *testing.T) {
	table := &dataset.Table{Columns: []string{"Mo\u0301stoles"}, Rows: []model.Listing{{"Mo\u0301stoles": "x"}}}
	s := NewFileSink(t.TempDir(), "p", WithClock(clock))

	res := s.Write(context.Background(), table)
	require.NoError(t, res.Err)
	assert.Equal(t, "Mo\u0301stoles", table.Columns[0])
}

func TestFileSink_InvalidUTF8Replaced(t *testing.T) {
	table := &dataset.Table{Columns: []string{"a"}, Rows: []model.Listing{{"a": "bad\xffbyte"}}}
	s := NewFileSink(t.TempDir(), "p", WithClock(clock))

	res := s.Write(context.Background(), table)
	require.NoError(t, res.Err)
	records := readCSV(t, res.Location)
	assert.Equal(t, "bad\uFFFDbyte", records[1][0])
}

func TestFileSink_UnwritableDir(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	s := NewFileSink(filepath.Join(blocker, "data"), "p", WithClock(clock))
	res := s.Write(context.Background(), sampleTable())

	assert.Equal(t, StatusFailed, res.Status)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "create output dir")
}

func TestWarehouseSink_SkippedWithoutProject(t *testing.T) {
	called := false
	s := NewWarehouseSink(config.WarehouseConfig{Dataset: "raw_data", Table: "t"},
		func(context.Context, string) (db.Pool, error) {
			called = true
			return nil, nil
		})

	res := s.Write(context.Background(), sampleTable())

	assert.Equal(t, StatusSkipped, res.Status)
	assert.NoError(t, res.Err)
	assert.NotEmpty(t, res.Reason)
	assert.False(t, called, "no connection attempt when the project is missing")
}

func TestWarehouseSink_FullReplace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS "raw_data"`)).
		WillReturnResult(pgxmock.NewResult("CREATE SCHEMA", 0))
	mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE IF EXISTS "raw_data"."idealista_properties"`)).
		WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE "raw_data"."idealista_properties" ("address" text, "price" text)`)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"raw_data", "idealista_properties"}, []string{"address", "price"}).
		WillReturnResult(2)
	mock.ExpectCommit()
	mock.ExpectClose()

	var gotURL string
	s := NewWarehouseSink(config.WarehouseConfig{
		Project:     "analytics",
		Dataset:     "raw_data",
		Table:       "idealista_properties",
		DatabaseURL: "postgres://warehouse/analytics",
	}, func(_ context.Context, url string) (db.Pool, error) {
		gotURL = url
		return mock, nil
	})

	res := s.Write(context.Background(), sampleTable())

	require.NoError(t, res.Err)
	assert.Equal(t, StatusWritten, res.Status)
	assert.Equal(t, int64(2), res.Rows)
	assert.Equal(t, "analytics.raw_data.idealista_properties", res.Location)
	assert.Equal(t, "postgres://warehouse/analytics", gotURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouseSink_ConnectFailure(t *testing.T) {
	s := NewWarehouseSink(config.WarehouseConfig{Project: "analytics", Dataset: "raw_data", Table: "t"},
		func(context.Context, string) (db.Pool, error) {
			return nil, fmt.Errorf("connection refused")
		})

	res := s.Write(context.Background(), sampleTable())

	assert.Equal(t, StatusFailed, res.Status)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "connection refused")
	assert.Contains(t, res.Err.Error(), "warehouse.database_url")
}

func TestWarehouseSink_LoadFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE SCHEMA`).WillReturnError(fmt.Errorf("permission denied for database"))
	mock.ExpectRollback()
	mock.ExpectClose()

	s := NewWarehouseSink(config.WarehouseConfig{Project: "analytics", Dataset: "raw_data", Table: "t"},
		func(context.Context, string) (db.Pool, error) { return mock, nil })

	res := s.Write(context.Background(), sampleTable())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Err.Error(), "permission denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriter_MissingProjectStillWritesFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(
		NewFileSink(dir, "idealista_properties", WithClock(clock)),
		NewWarehouseSink(config.WarehouseConfig{Dataset: "raw_data", Table: "idealista_properties"}, nil),
	)

	rep := w.Persist(context.Background(), sampleTable())

	assert.Equal(t, StatusWritten, rep.File.Status)
	assert.FileExists(t, rep.File.Location)
	assert.Equal(t, StatusSkipped, rep.Warehouse.Status)
	assert.True(t, rep.Succeeded(false))
}

func TestWriter_FileFailureStillAttemptsWarehouse(t *testing.T) {
	file := &stubSink{name: "file", result: Result{Sink: "file", Status: StatusFailed, Err: fmt.Errorf("read-only file system")}}
	wh := &stubSink{name: "warehouse", result: Result{Sink: "warehouse", Status: StatusWritten, Rows: 2}}

	rep := NewWriter(file, wh).Persist(context.Background(), sampleTable())

	assert.Equal(t, 1, file.calls)
	assert.Equal(t, 1, wh.calls)
	assert.Equal(t, StatusFailed, rep.File.Status)
	assert.Equal(t, StatusWritten, rep.Warehouse.Status)
}

func TestReport_Succeeded(t *testing.T) {
	tests := []struct {
		name      string
		file      Status
		warehouse Status
		required  bool
		want      bool
	}{
		{"both written", StatusWritten, StatusWritten, false, true},
		{"warehouse skipped", StatusWritten, StatusSkipped, false, true},
		{"warehouse failed, optional", StatusWritten, StatusFailed, false, true},
		{"warehouse failed, required", StatusWritten, StatusFailed, true, false},
		{"file failed, warehouse written", StatusFailed, StatusWritten, false, true},
		{"file failed, warehouse skipped", StatusFailed, StatusSkipped, false, false},
		{"both failed", StatusFailed, StatusFailed, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := Report{File: Result{Status: tt.file}, Warehouse: Result{Status: tt.warehouse}}
			assert.Equal(t, tt.want, rep.Succeeded(tt.required))
		})
	}
}
