package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
)

// InvalidLabelValue fills declared label keys that a particular series has
// no value for, so every series of a metric carries the same key set.
const InvalidLabelValue = "-"

// ConnectionStatusMetric is the reachability gauge maintained by connection
// supervisors: 1 = reachable, 0 = unreachable.
const ConnectionStatusMetric = "db2_connection_status"

// Self-monitoring gauges, one series per query.
const (
	QueryTimeoutMetric     = "db2_query_timeout"
	QueryDurationMetric    = "db2_query_duration_seconds"
	QueryLastSuccessMetric = "db2_query_last_success_timestamp"
)

type gaugeEntry struct {
	vec  *prometheus.GaugeVec
	keys []string
}

// Registry is the shared gauge store updated concurrently by every query
// runner and connection supervisor, and read by the scrape endpoint. It
// wraps a dedicated prometheus registry so instances never collide on the
// process-global default.
type Registry struct {
	prom   *prometheus.Registry
	mu     sync.RWMutex
	gauges map[string]gaugeEntry
}

func NewRegistry() *Registry {
	return &Registry{
		prom:   prometheus.NewRegistry(),
		gauges: make(map[string]gaugeEntry),
	}
}

// Declare creates the named gauge with a fixed label key set. Repeat
// declarations of the same name are idempotent and keep the first key set.
func (r *Registry) Declare(name, help string, labelKeys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.gauges[name]; ok {
		return nil
	}

	keys := append([]string(nil), labelKeys...)
	sort.Strings(keys)
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, keys)
	if err := r.prom.Register(vec); err != nil {
		return errors.Wrapf(err, "registering gauge %s", name)
	}
	r.gauges[name] = gaugeEntry{vec: vec, keys: keys}
	logrus.Debugf("[GAUGE] [%s] created", name)
	return nil
}

// Set creates or overwrites the series for the given label set. Declared
// keys absent from labels are filled with InvalidLabelValue; undeclared
// keys are dropped. Last write wins.
func (r *Registry) Set(name string, labels map[string]string, value float64) error {
	r.mu.RLock()
	entry, ok := r.gauges[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gauge %s not declared", name)
	}

	full := make(prometheus.Labels, len(entry.keys))
	for _, k := range entry.keys {
		if v, present := labels[k]; present {
			full[k] = v
		} else {
			full[k] = InvalidLabelValue
		}
	}
	g, err := entry.vec.GetMetricWith(full)
	if err != nil {
		return errors.Wrapf(err, "resolving series for gauge %s", name)
	}
	g.Set(value)
	return nil
}

// SetConnectionStatus records reachability of one connection identity.
func (r *Registry) SetConnectionStatus(connLabels map[string]string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	if err := r.Set(ConnectionStatusMetric, connLabels, v); err != nil {
		logrus.Errorf("[GAUGE] [%s] failed to update: %v", ConnectionStatusMetric, err)
	}
}

// Snapshot renders all current series in Prometheus text exposition format.
func (r *Registry) Snapshot() (string, error) {
	families, err := r.prom.Gather()
	if err != nil {
		return "", errors.Wrap(err, "gathering metrics")
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", errors.Wrapf(err, "encoding metric family %s", mf.GetName())
		}
	}
	return buf.String(), nil
}

// Handler returns the scrape endpoint handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying prometheus gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.prom
}
