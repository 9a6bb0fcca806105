package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/listing-scraper/internal/progress"
)

// PrometheusSink turns operator events into job and item collectors.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec
	items        *prometheus.CounterVec
	itemDuration prometheus.Histogram
	logEntries   *prometheus.CounterVec

	running *runningSet
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_jobs_started_total",
			Help: "Scrape jobs that entered the running state.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_jobs_completed_total",
			Help: "Scrape jobs that reached a terminal status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_jobs_running",
			Help: "Scrape jobs currently running.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_progress_items_total",
			Help: "Listing extractions partitioned by result.",
		}, []string{"result"}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_item_duration_seconds",
			Help:    "Time spent extracting one listing.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		}),
		logEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_log_entries_total",
			Help: "User-facing log entries emitted, by level.",
		}, []string{"level"}),
		running: &runningSet{ids: make(map[[16]byte]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.jobsStarted, s.jobsFinished, s.jobsRunning, s.jobRuntime,
		s.items, s.itemDuration, s.logEntries,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
			if s.running.add(evt.JobID) {
				s.jobsRunning.Inc()
			}
		case progress.StageJobDone:
			s.finish(evt, "completed")
		case progress.StageJobError:
			s.finish(evt, "error")
		case progress.StageItemDone:
			s.items.WithLabelValues("success").Inc()
			s.observeItem(evt)
		case progress.StageItemFailed:
			s.items.WithLabelValues("failure").Inc()
			s.observeItem(evt)
		case progress.StageLog:
			s.logEntries.WithLabelValues(string(evt.Level)).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, status string) {
	s.jobsFinished.WithLabelValues(status).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
	}
	if s.running.remove(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func (s *PrometheusSink) observeItem(evt progress.Event) {
	if evt.Dur > 0 {
		s.itemDuration.Observe(evt.Dur.Seconds())
	}
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runningSet struct {
	mu  sync.Mutex
	ids map[[16]byte]struct{}
}

func (r *runningSet) add(id [16]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

func (r *runningSet) remove(id [16]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; !ok {
		return false
	}
	delete(r.ids, id)
	return true
}
