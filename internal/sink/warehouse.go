package sink

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/idealista-analytics/pipeline/internal/config"
	"github.com/idealista-analytics/pipeline/internal/dataset"
	"github.com/idealista-analytics/pipeline/internal/db"
)

const remediation = "check warehouse.project, warehouse.dataset and warehouse.database_url"

// Connector opens the warehouse pool. It is only called when the sink is
// configured, so a missing warehouse never costs a connection attempt.
type Connector func(ctx context.Context, connString string) (db.Pool, error)

// ConnectPostgres is the default Connector.
func ConnectPostgres(ctx context.Context, connString string) (db.Pool, error) {
	pool, err := db.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// WarehouseSink fully replaces project.dataset.table with the dataset. The
// dataset maps to a Postgres schema.
type WarehouseSink struct {
	cfg     config.WarehouseConfig
	connect Connector
}

// NewWarehouseSink creates a WarehouseSink.
func NewWarehouseSink(cfg config.WarehouseConfig, connect Connector) *WarehouseSink {
	if connect == nil {
		connect = ConnectPostgres
	}
	return &WarehouseSink{cfg: cfg, connect: connect}
}

// Name implements Sink.
func (s *WarehouseSink) Name() string { return "warehouse" }

// Write implements Sink.
func (s *WarehouseSink) Write(ctx context.Context, t *dataset.Table) Result {
	res := Result{Sink: s.Name()}
	if s.cfg.Project == "" {
		res.Status = StatusSkipped
		res.Reason = "warehouse.project not configured"
		return res
	}
	res.Location = s.cfg.TableID()

	fail := func(err error) Result {
		res.Status = StatusFailed
		res.Err = eris.Wrapf(err, "sink: load %s (%s)", res.Location, remediation)
		return res
	}

	pool, err := s.connect(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return fail(err)
	}
	defer pool.Close()

	rows := make([][]any, len(t.Rows))
	for i, row := range t.Rows {
		vals := make([]any, len(t.Columns))
		for j, col := range t.Columns {
			if v, ok := dataset.Cell(row, col); ok {
				vals[j] = v
			}
		}
		rows[i] = vals
	}

	n, err := db.ReplaceTable(ctx, pool, s.cfg.Dataset, s.cfg.Table, t.Columns, rows)
	if err != nil {
		return fail(err)
	}

	res.Status = StatusWritten
	res.Rows = n
	return res
}
