package intel

// Fixed weight table for the threat-score update. The score itself moves as
// new = min(1.0, max(old, base + Σ weights)) and never decreases in a session.
const (
	scoreBase = 0.10

	// severityCap bounds the summed keyword severities so a wall of trigger
	// words cannot saturate the score on its own.
	severityCap = 0.60

	weightCredentialRequest = 0.15
	weightMaliciousURL      = 0.25
	weightRepeatedUrgency   = 0.20
)

// scoreBoost computes base + Σ wᵢ·featureᵢ for one utterance.
func scoreBoost(hits []keywordHit, tactics []string, urgencyRepeats int) float64 {
	if len(hits) == 0 && len(tactics) == 0 {
		return 0
	}
	boost := scoreBase
	var severity float64
	for _, h := range hits {
		severity += h.severity
	}
	if severity > severityCap {
		severity = severityCap
	}
	boost += severity
	for _, t := range tactics {
		if t == TacticCredentialRequest {
			boost += weightCredentialRequest
			break
		}
	}
	if urgencyRepeats >= 2 {
		boost += weightRepeatedUrgency
	}
	return boost
}

// updateScore applies the monotone clamp.
func updateScore(old, boost float64) float64 {
	next := boost
	if next < old {
		next = old
	}
	if next > 1.0 {
		next = 1.0
	}
	return next
}
