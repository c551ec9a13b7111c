package sink

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/idealista-analytics/pipeline/internal/dataset"
)

// TimestampLayout formats the suffix of archive file names (YYYYMMDD_HHMMSS).
const TimestampLayout = "20060102_150405"

// FileSink writes the dataset to <dir>/<prefix>_<timestamp>.csv.
type FileSink struct {
	dir    string
	prefix string
	now    func() time.Time
}

// FileOption configures a FileSink.
type FileOption func(*FileSink)

// WithClock overrides the clock used for the file name timestamp.
func WithClock(now func() time.Time) FileOption {
	return func(s *FileSink) { s.now = now }
}

// NewFileSink creates a FileSink writing into dir.
func NewFileSink(dir, prefix string, opts ...FileOption) *FileSink {
	s := &FileSink{dir: dir, prefix: prefix, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements Sink.
func (s *FileSink) Name() string { return "file" }

// Path returns the file the sink would write at time ts.
func (s *FileSink) Path(ts time.Time) string {
	return filepath.Join(s.dir, s.prefix+"_"+ts.Format(TimestampLayout)+".csv")
}

// Write implements Sink.
func (s *FileSink) Write(_ context.Context, t *dataset.Table) Result {
	path := s.Path(s.now())
	res := Result{Sink: s.Name(), Location: path}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		res.Status = StatusFailed
		res.Err = eris.Wrapf(err, "sink: create output dir %s", s.dir)
		return res
	}

	n, err := writeCSV(path, t)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}

	res.Status = StatusWritten
	res.Rows = n
	return res
}

func writeCSV(path string, t *dataset.Table) (n int64, err error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrapf(err, "sink: create %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = eris.Wrapf(cerr, "sink: close %s", path)
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write(normalize(t.Columns)); err != nil {
		return 0, eris.Wrapf(err, "sink: write header to %s", path)
	}
	for i := range t.Rows {
		if err := w.Write(normalize(t.Record(i))); err != nil {
			return n, eris.Wrapf(err, "sink: write row %d to %s", i, path)
		}
		n++
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return n, eris.Wrapf(err, "sink: flush %s", path)
	}
	return n, nil
}

// normalize replaces invalid UTF-8 and converts every field to NFC.
func normalize(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = norm.NFC.String(strings.ToValidUTF8(f, "\uFFFD"))
	}
	return out
}
