// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exports ingestion counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matta/mealmail/internal/ingest"
)

// Run results.
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultLeaseHeld = "lease_held"
)

// Metrics holds the collectors of one registry.
type Metrics struct {
	registry *prometheus.Registry

	Runs            *prometheus.CounterVec
	Messages        *prometheus.CounterVec
	Rows            prometheus.Counter
	Images          prometheus.Counter
	ArchiveFailures prometheus.Counter
	RunDuration     prometheus.Histogram
	LastSuccess     prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mealmail_runs_total",
			Help: "Pipeline runs by result.",
		}, []string{"result"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mealmail_messages_total",
			Help: "Listed messages by outcome.",
		}, []string{"outcome"}),
		Rows: f.NewCounter(prometheus.CounterOpts{
			Name: "mealmail_rows_appended_total",
			Help: "Rows appended to the meal log.",
		}),
		Images: f.NewCounter(prometheus.CounterOpts{
			Name: "mealmail_images_archived_total",
			Help: "Image attachments archived.",
		}),
		ArchiveFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "mealmail_archive_failures_total",
			Help: "Image attachments that could not be archived.",
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mealmail_run_duration_seconds",
			Help:    "Wall time of pipeline runs.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "mealmail_last_success_timestamp_seconds",
			Help: "Unix time of the last run that completed without error.",
		}),
	}
}

// Observe records the outcome of one run.  report may be nil.
func (m *Metrics) Observe(report *ingest.Report, elapsed time.Duration, err error) {
	m.RunDuration.Observe(elapsed.Seconds())
	switch {
	case err == nil:
		m.Runs.WithLabelValues(ResultOK).Inc()
		m.LastSuccess.SetToCurrentTime()
	case errors.Cause(err) == ingest.ErrLeaseHeld:
		m.Runs.WithLabelValues(ResultLeaseHeld).Inc()
	default:
		m.Runs.WithLabelValues(ResultError).Inc()
	}
	if report == nil {
		return
	}
	m.Messages.WithLabelValues("processed").Add(float64(report.Processed))
	m.Messages.WithLabelValues("already_logged").Add(float64(report.AlreadyLogged))
	m.Messages.WithLabelValues("skipped").Add(float64(report.Skipped))
	m.Messages.WithLabelValues("failed").Add(float64(report.Failed))
	m.Rows.Add(float64(report.Rows))
	m.Images.Add(float64(report.Images))
	m.ArchiveFailures.Add(float64(report.ArchiveFailures))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
