// Copyright © 2024 AI Horde <contact@aihorde.net>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package engine

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// engineMetrics is the worker's operational surface for scraping. Registered
// on a dedicated registry so tests can build engines freely without
// duplicate-registration panics.
type engineMetrics struct {
	registry *prometheus.Registry

	jobsPopped         prometheus.Counter
	inferenceCompleted prometheus.Counter
	jobsSubmitted      prometheus.Counter
	submitFailures     prometheus.Counter
	imagesCensored     prometheus.Counter
	imagesCSAM         prometheus.Counter
	kudosEarned        prometheus.Counter
	kudosAccumulated   prometheus.Gauge
	processesStarted   *prometheus.CounterVec

	jobDequeDepth   prometheus.Gauge
	jobsInProgress  prometheus.Gauge
	pendingSafety   prometheus.Gauge
	completedQueued prometheus.Gauge
}

func newEngineMetrics() *engineMetrics {
	m := &engineMetrics{
		registry: prometheus.NewRegistry(),
		jobsPopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "horde_worker_jobs_popped_total",
			Help: "Jobs popped from the dispatch API.",
		}),
		inferenceCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "horde_worker_inference_completed_total",
			Help: "Inference results received from child workers.",
		}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "horde_worker_jobs_submitted_total",
			Help: "Jobs successfully submitted to the dispatch API.",
		}),
		submitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "horde_worker_submit_failures_total",
			Help: "Upload or submit attempts that failed and will be retried.",
		}),
		imagesCensored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "horde_worker_images_censored_total",
			Help: "Images replaced by the safety worker.",
		}),
		imagesCSAM: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "horde_worker_images_csam_total",
			Help: "Images flagged CSAM by the safety worker.",
		}),
		kudosEarned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "horde_worker_kudos_earned_total",
			Help: "Kudos rewarded for submitted jobs this run.",
		}),
		kudosAccumulated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "horde_worker_kudos_accumulated",
			Help: "Account-wide accumulated kudos, from the last user info refresh.",
		}),
		processesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "horde_worker_processes_started_total",
			Help: "Child worker processes started, by kind.",
		}, []string{"kind"}),
		jobDequeDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "horde_worker_job_deque_depth",
			Help: "Jobs waiting in the deque.",
		}),
		jobsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "horde_worker_jobs_in_progress",
			Help: "Jobs currently running inference.",
		}),
		pendingSafety: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "horde_worker_jobs_pending_safety",
			Help: "Jobs waiting for or undergoing safety screening.",
		}),
		completedQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "horde_worker_jobs_completed_queued",
			Help: "Screened jobs waiting for upload and submit.",
		}),
	}

	m.registry.MustRegister(
		m.jobsPopped, m.inferenceCompleted, m.jobsSubmitted, m.submitFailures,
		m.imagesCensored, m.imagesCSAM, m.kudosEarned, m.kudosAccumulated,
		m.processesStarted, m.jobDequeDepth, m.jobsInProgress, m.pendingSafety,
		m.completedQueued,
	)
	return m
}

// observePipeline snapshots queue depths. Called from the control tick with
// the queue locks held.
func (m *engineMetrics) observePipeline(e *Engine) {
	m.jobDequeDepth.Set(float64(len(e.jobDeque)))
	m.jobsInProgress.Set(float64(len(e.jobsInProgress)))
	m.pendingSafety.Set(float64(len(e.jobsPendingSafetyCheck) + len(e.jobsBeingSafetyChecked)))
	m.completedQueued.Set(float64(len(e.completedJobs)))
}

// ServeMetrics exposes the registry on addr until the listener fails. Run in
// its own goroutine; errors are returned to the caller's logger.
func (e *Engine) ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.metrics.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
