package sqli

// Action is what the host should do with the request.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// Decision is the composed outcome of a scan.
type Decision struct {
	Action       Action `json:"action"`
	ShouldReport bool   `json:"should_report"`
}

// Decide maps a scan result and the enforcement mode to an action.
//
// Rule verdicts always block in block mode. Heuristic verdicts block only
// when their confidence exceeds cfg.BlockThreshold; at or below it they are
// handled as in warn mode. Silent mode never blocks and reports only when
// the host has a reporting sink.
func Decide(result *ScanResult, cfg ScanConfig) Decision {
	if result == nil || !result.Verdict.IsInjection {
		return Decision{Action: ActionAllow, ShouldReport: false}
	}

	switch cfg.Mode {
	case ModeSilent:
		return Decision{Action: ActionAllow, ShouldReport: cfg.ReportingEnabled}

	case ModeBlock:
		v := result.Verdict
		if v.Source == VerdictHeuristic && v.ConfidenceValue() <= cfg.BlockThreshold {
			return Decision{Action: ActionAllow, ShouldReport: true}
		}
		return Decision{Action: ActionBlock, ShouldReport: true}

	default:
		return Decision{Action: ActionAllow, ShouldReport: true}
	}
}
