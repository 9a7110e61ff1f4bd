package sqli

import (
	"context"
	"sync/atomic"
	"time"

	"sqlshield/shared/logger"
)

// Evaluation is the outcome of Detector.Evaluate.
type Evaluation struct {
	Action       Action        `json:"action"`
	ShouldReport bool          `json:"should_report"`
	Report       *ScanResult   `json:"report,omitempty"`
	Duration     time.Duration `json:"duration_ns"`

	// Aborted is set when the context ended before the scan finished.
	// An aborted evaluation always allows and never reports.
	Aborted bool `json:"aborted,omitempty"`
}

// Decision returns the action part of the evaluation.
func (e Evaluation) Decision() Decision {
	return Decision{Action: e.Action, ShouldReport: e.ShouldReport}
}

// DetectorMetrics contains evaluation counters.
type DetectorMetrics struct {
	// ScansTotal is the number of completed evaluations.
	ScansTotal int64

	// DetectionsTotal counts evaluations with a positive verdict.
	DetectionsTotal int64

	// BlockedTotal counts evaluations that ended in ActionBlock.
	BlockedTotal int64

	// AbortedTotal counts evaluations abandoned on cancellation.
	AbortedTotal int64
}

// Detector is the single entry point of the pipeline. It is safe for
// concurrent use; the rule set and scorer are shared read-only.
type Detector struct {
	scanner  *PayloadScanner
	onReport ReportCallback
	log      *logger.Logger

	scansTotal      atomic.Int64
	detectionsTotal atomic.Int64
	blockedTotal    atomic.Int64
	abortedTotal    atomic.Int64
}

type detectorOptions struct {
	rules       *RuleSet
	scorer      Scorer
	onReport    ReportCallback
	log         *logger.Logger
	scannerOpts []ScannerOption
}

// DetectorOption configures a Detector.
type DetectorOption func(*detectorOptions)

// WithRuleSet sets the rule set. Nil or empty sets use DefaultRules.
func WithRuleSet(rules *RuleSet) DetectorOption {
	return func(o *detectorOptions) {
		o.rules = rules
	}
}

// WithScorer sets the scoring backend. It is wrapped in a FallbackScorer.
func WithScorer(s Scorer) DetectorOption {
	return func(o *detectorOptions) {
		o.scorer = s
	}
}

// WithReportCallback sets the sink for reported detections.
func WithReportCallback(cb ReportCallback) DetectorOption {
	return func(o *detectorOptions) {
		o.onReport = cb
	}
}

// WithLogger sets the logger for fallback and callback failures.
func WithLogger(l *logger.Logger) DetectorOption {
	return func(o *detectorOptions) {
		o.log = l
	}
}

// WithScannerOptions passes options through to the PayloadScanner.
func WithScannerOptions(opts ...ScannerOption) DetectorOption {
	return func(o *detectorOptions) {
		o.scannerOpts = append(o.scannerOpts, opts...)
	}
}

// NewDetector assembles the pipeline.
func NewDetector(opts ...DetectorOption) *Detector {
	var o detectorOptions
	for _, opt := range opts {
		opt(&o)
	}

	scorer := o.scorer
	switch scorer.(type) {
	case nil, *FallbackScorer, *HeuristicScorer:
	default:
		scorer = NewFallbackScorer(scorer, WithFallbackLogger(o.log))
	}

	return &Detector{
		scanner:  NewPayloadScanner(NewRuleEngine(o.rules), scorer, o.scannerOpts...),
		onReport: o.onReport,
		log:      o.log,
	}
}

// Scanner returns the detector's payload scanner.
func (d *Detector) Scanner() *PayloadScanner {
	return d.scanner
}

// Rules returns the rule set in use.
func (d *Detector) Rules() *RuleSet {
	return d.scanner.Engine().Rules()
}

// Evaluate scans payload and decides what to do with the request. It never
// fails: cancellation yields an allowing, unreported evaluation with Aborted
// set.
func (d *Detector) Evaluate(ctx context.Context, payload Payload, cfg ScanConfig) Evaluation {
	start := time.Now()

	result, err := d.scanner.Scan(ctx, payload, cfg)
	if err != nil {
		d.abortedTotal.Add(1)
		return Evaluation{
			Action:   ActionAllow,
			Duration: time.Since(start),
			Aborted:  true,
		}
	}

	decision := Decide(result, cfg)
	ev := Evaluation{
		Action:       decision.Action,
		ShouldReport: decision.ShouldReport,
		Report:       result,
		Duration:     time.Since(start),
	}

	d.scansTotal.Add(1)
	if result != nil {
		d.detectionsTotal.Add(1)
	}
	if ev.Action == ActionBlock {
		d.blockedTotal.Add(1)
	}

	if ev.ShouldReport && d.onReport != nil {
		d.emit(NewDetectionEvent(ev, cfg.Mode))
	}
	return ev
}

func (d *Detector) emit(event *DetectionEvent) {
	if event == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("", "", "Report callback panicked", map[string]interface{}{
				"panic": r,
			})
		}
	}()
	d.onReport(event)
}

// Metrics returns a snapshot of the evaluation counters.
func (d *Detector) Metrics() DetectorMetrics {
	return DetectorMetrics{
		ScansTotal:      d.scansTotal.Load(),
		DetectionsTotal: d.detectionsTotal.Load(),
		BlockedTotal:    d.blockedTotal.Load(),
		AbortedTotal:    d.abortedTotal.Load(),
	}
}

// ResetMetrics zeroes the evaluation counters.
func (d *Detector) ResetMetrics() {
	d.scansTotal.Store(0)
	d.detectionsTotal.Store(0)
	d.blockedTotal.Store(0)
	d.abortedTotal.Store(0)
}
