// Package sink persists an assembled dataset to a CSV archive and to the
// warehouse. The two sinks run independently and report outcomes as values.
package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/idealista-analytics/pipeline/internal/dataset"
)

// Status is the outcome of one sink.
type Status string

const (
	StatusWritten Status = "written"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Result describes what a sink did with the dataset.
type Result struct {
	Sink     string
	Status   Status
	Location string // file path or project.dataset.table
	Rows     int64
	Reason   string // why the sink was skipped
	Err      error
}

// Sink writes a table somewhere.
type Sink interface {
	Name() string
	Write(ctx context.Context, t *dataset.Table) Result
}

// Report holds the outcome of both sinks.
type Report struct {
	File      Result
	Warehouse Result
}

// Writer fans a table out to the file sink and the warehouse sink.
type Writer struct {
	file      Sink
	warehouse Sink
}

// NewWriter creates a Writer.
func NewWriter(file, warehouse Sink) *Writer {
	return &Writer{file: file, warehouse: warehouse}
}

// Persist attempts both sinks. A failure in one never prevents the other.
func (w *Writer) Persist(ctx context.Context, t *dataset.Table) Report {
	rep := Report{
		File:      w.file.Write(ctx, t),
		Warehouse: w.warehouse.Write(ctx, t),
	}

	for _, r := range []Result{rep.File, rep.Warehouse} {
		fields := []zap.Field{
			zap.String("component", "sink"),
			zap.String("sink", r.Sink),
			zap.String("status", string(r.Status)),
			zap.String("location", r.Location),
			zap.Int64("rows", r.Rows),
		}
		switch r.Status {
		case StatusFailed:
			zap.L().Error("sink failed", append(fields, zap.Error(r.Err))...)
		case StatusSkipped:
			zap.L().Info("sink skipped", append(fields, zap.String("reason", r.Reason))...)
		default:
			zap.L().Info("sink written", fields...)
		}
	}
	return rep
}

// Succeeded applies the extraction success rule: the file sink must not
// fail unless the warehouse wrote, and when the warehouse is required it
// must not fail either.
func (r Report) Succeeded(warehouseRequired bool) bool {
	if warehouseRequired && r.Warehouse.Status == StatusFailed {
		return false
	}
	if r.File.Status == StatusFailed && r.Warehouse.Status != StatusWritten {
		return false
	}
	return true
}
