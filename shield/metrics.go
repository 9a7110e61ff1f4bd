// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shield

import (
	"github.com/prometheus/client_golang/prometheus"

	"sqlshield/shield/sqli"
)

// Prometheus metrics
var (
	promEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlshield_evaluations_total",
			Help: "Total number of request evaluations by resulting action",
		},
		[]string{"action", "mode"},
	)
	promDetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlshield_detections_total",
			Help: "Total number of positive verdicts by detection path",
		},
		[]string{"source", "severity"},
	)
	promScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlshield_scan_duration_milliseconds",
			Help:    "Payload scan duration in milliseconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 50},
		},
		[]string{"mode"},
	)
	promAbortedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlshield_aborted_evaluations_total",
			Help: "Total number of evaluations abandoned because the request ended",
		},
	)
	promAlertsSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlshield_alerts_suppressed_total",
			Help: "Total number of alerts dropped by the per-client alert limit",
		},
	)
)

func init() {
	prometheus.MustRegister(promEvaluationsTotal)
	prometheus.MustRegister(promDetectionsTotal)
	prometheus.MustRegister(promScanDuration)
	prometheus.MustRegister(promAbortedTotal)
	prometheus.MustRegister(promAlertsSuppressed)
}

// observeEvaluation records one evaluation.
func observeEvaluation(ev sqli.Evaluation, mode sqli.Mode) {
	if ev.Aborted {
		promAbortedTotal.Inc()
		return
	}
	promEvaluationsTotal.WithLabelValues(string(ev.Action), string(mode)).Inc()
	promScanDuration.WithLabelValues(string(mode)).Observe(float64(ev.Duration.Microseconds()) / 1000)
	if ev.Report != nil {
		v := ev.Report.Verdict
		promDetectionsTotal.WithLabelValues(string(v.Source), string(sqli.VerdictSeverity(v))).Inc()
	}
}
