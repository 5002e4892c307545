package answer

// Score thresholds for the confidence matrix.
const (
	highScoreFloor   = 0.85
	highGapFloor     = 0.08
	mediumScoreFloor = 0.70
)

// Confidence levels reported to callers.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Low-confidence reasons, checked in priority order.
const (
	ReasonUnverified = "unverified_quote"
	ReasonConflict   = "rule_conflict"
	ReasonWeakMatch  = "weak_retrieval_match"
	ReasonAmbiguous  = "ambiguous_top_results"
)

// ComputeConfidence grades an answer from verification outcome, retrieval
// scores of the top two candidates, and whether a conflict was flagged.
// High demands a verified quote, a strong top score, and clear separation
// from the runner-up.
func ComputeConfidence(verified bool, topScore, nextScore float64, conflict bool) (string, string) {
	gap := topScore - nextScore

	if verified && !conflict && topScore >= highScoreFloor && gap >= highGapFloor {
		return ConfidenceHigh, ""
	}
	if verified && !conflict && topScore >= mediumScoreFloor {
		return ConfidenceMedium, ""
	}

	switch {
	case !verified:
		return ConfidenceLow, ReasonUnverified
	case conflict:
		return ConfidenceLow, ReasonConflict
	case topScore < mediumScoreFloor:
		return ConfidenceLow, ReasonWeakMatch
	default:
		return ConfidenceLow, ReasonAmbiguous
	}
}
