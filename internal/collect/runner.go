package collect

import (
	"context"
	"time"

	"github.com/afex/hystrix-go/hystrix"
	"github.com/sirupsen/logrus"

	"github.com/barryq93/db2prom/internal/db"
	"github.com/barryq93/db2prom/internal/metrics"
	"github.com/barryq93/db2prom/internal/types"
)

// pingProbeTimeout bounds the liveness probe after a failed execution.
const pingProbeTimeout = 5 * time.Second

// HandleProvider is the supervisor surface a runner depends on.
type HandleProvider interface {
	Acquire() (db.Handle, error)
	Invalidate(db.Handle)
}

// Setter is the registry surface a runner depends on.
type Setter interface {
	Set(name string, labels map[string]string, value float64) error
}

// Runner executes one query against one connection forever at a fixed
// interval. Failures of any kind skip the cycle; they never terminate the
// runner or leak into sibling runners.
type Runner struct {
	query      types.Query
	provider   HandleProvider
	registry   Setter
	connLabels map[string]string
	interval   time.Duration
	timeout    time.Duration
	breaker    string
	log        *logrus.Entry
}

func NewRunner(query types.Query, conn types.Connection, provider HandleProvider, registry Setter) *Runner {
	return &Runner{
		query:      query,
		provider:   provider,
		registry:   registry,
		connLabels: conn.IdentityLabels(),
		interval:   time.Duration(query.TimeInterval) * time.Second,
		timeout:    time.Duration(query.Timeout) * time.Second,
		// One breaker per (connection, query) pair: a tripped breaker must
		// never block sibling queries on the same connection.
		breaker: conn.ID() + "/" + query.Name,
		log: logrus.WithFields(logrus.Fields{
			"connection": conn.ID(),
			"query":      query.Name,
		}),
	}
}

// Run loops until ctx cancellation. The first execution is immediate and
// the schedule is non-cumulative: next = max(now, last_start + interval),
// so a slow cycle never queues up make-up ticks.
func (r *Runner) Run(ctx context.Context) {
	next := time.Now()
	for {
		if wait := time.Until(next); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
		start := time.Now()
		r.runOnce(ctx)
		next = start.Add(r.interval)
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	handle, err := r.provider.Acquire()
	if err != nil {
		r.log.Debugf("no live connection, skipping cycle: %v", err)
		return
	}

	qctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	var rows [][]interface{}
	err = hystrix.Do(r.breaker, func() error {
		var qerr error
		rows, qerr = handle.Query(qctx, r.query.Query)
		return qerr
	}, nil)
	if err != nil {
		if err == hystrix.ErrCircuitOpen {
			r.log.Debug("circuit open, skipping cycle")
			return
		}
		if qctx.Err() == context.DeadlineExceeded {
			r.setGauge(metrics.QueryTimeoutMetric, map[string]string{"query": r.query.Name}, 1)
		}
		r.log.Warnf("query execution failed: %v", err)
		r.probe(ctx, handle)
		return
	}

	r.setGauge(metrics.QueryTimeoutMetric, map[string]string{"query": r.query.Name}, 0)

	applied := 0
	for _, gauge := range r.query.Gauges {
		for _, row := range rows {
			tuple, err := MapRow(row, gauge, r.connLabels)
			if err != nil {
				r.log.Warnf("skipping row for gauge %s: %v", gauge.Name, err)
				continue
			}
			if err := r.registry.Set(tuple.Name, tuple.Labels, tuple.Value); err != nil {
				r.log.Errorf("failed to update gauge %s: %v", tuple.Name, err)
				continue
			}
			applied++
		}
	}

	queryLabels := map[string]string{"query": r.query.Name}
	r.setGauge(metrics.QueryDurationMetric, queryLabels, time.Since(start).Seconds())
	r.setGauge(metrics.QueryLastSuccessMetric, queryLabels, float64(time.Now().Unix()))
	r.log.Debugf("cycle complete: %d rows, %d series updated", len(rows), applied)
}

// probe decides whether a failed execution means the connection is gone. A
// broken statement on a healthy connection stays a query-level problem, so
// a permanently failing query cannot starve its siblings of the handle.
func (r *Runner) probe(ctx context.Context, handle db.Handle) {
	pctx, cancel := context.WithTimeout(ctx, pingProbeTimeout)
	defer cancel()
	if err := handle.Ping(pctx); err != nil {
		r.log.Warnf("connection probe failed, invalidating handle: %v", err)
		r.provider.Invalidate(handle)
	}
}

func (r *Runner) setGauge(name string, labels map[string]string, value float64) {
	if err := r.registry.Set(name, labels, value); err != nil {
		r.log.Debugf("failed to update %s: %v", name, err)
	}
}
