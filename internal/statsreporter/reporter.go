// Package statsreporter periodically snapshots store depth into metrics and
// a log line, adapted from the teacher's cron-driven Scheduler and its
// CancellationManager cleanup loop.
package statsreporter

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Depths is the subset of store introspection the reporter needs.
type Depths interface {
	TaskTableSize() int
	EdgeMapSize() int
	InFlightCount() int
}

// Reporter runs a cron job that snapshots store depth into gauges and logs a
// summary line, the way the teacher's GetScheduleStats and
// CancellationManager.StartCleanupLoop provide operational visibility.
type Reporter struct {
	cron   *cron.Cron
	store  Depths
	taskTableGauge metric.Int64Gauge
	edgeGauge      metric.Int64Gauge
	inFlightGauge  metric.Int64Gauge
}

// New builds a Reporter. cronExpr follows the seconds-precision cron.Cron
// syntax (e.g. "*/10 * * * * *" for every 10 seconds).
func New(store Depths, cronExpr string) (*Reporter, error) {
	meter := otel.GetMeterProvider().Meter("taskqueue")
	taskTable, _ := meter.Int64Gauge("taskqueue_stats_task_table_size")
	edges, _ := meter.Int64Gauge("taskqueue_stats_edge_map_size")
	inFlight, _ := meter.Int64Gauge("taskqueue_stats_in_flight")

	r := &Reporter{
		cron:           cron.New(cron.WithSeconds()),
		store:          store,
		taskTableGauge: taskTable,
		edgeGauge:      edges,
		inFlightGauge:  inFlight,
	}
	if _, err := r.cron.AddFunc(cronExpr, r.report); err != nil {
		return nil, err
	}
	return r, nil
}

// Start begins the cron schedule.
func (r *Reporter) Start() {
	r.cron.Start()
	slog.Info("stats reporter started")
}

// Stop gracefully stops the schedule, blocking until ctx is done or the
// running job (if any) finishes.
func (r *Reporter) Stop(ctx context.Context) error {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reporter) report() {
	ctx := context.Background()
	tasks := r.store.TaskTableSize()
	edges := r.store.EdgeMapSize()
	inFlight := r.store.InFlightCount()

	r.taskTableGauge.Record(ctx, int64(tasks))
	r.edgeGauge.Record(ctx, int64(edges))
	r.inFlightGauge.Record(ctx, int64(inFlight))

	slog.Info("store depth snapshot", "task_table", tasks, "edges", edges, "in_flight", inFlight)
}
