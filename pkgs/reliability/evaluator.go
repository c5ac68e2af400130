package reliability

import (
	log "github.com/sirupsen/logrus"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/models"
)

// Evaluation holds the active and shadow reliability scores for one reviewer
type Evaluation struct {
	Active float64            // Score under the production formula
	Shadow map[string]float64 // Formula ID -> score, logged only
}

// Evaluate maps a metrics snapshot to a [0,1] reliability score under the
// given formula: the weighted mean of the declared metrics, with weights
// treated as relative and normalized at evaluation time. A weight naming a
// metric the snapshot cannot supply contributes zero and logs a warning —
// it indicates formula misconfiguration, never a hard failure.
func Evaluate(snapshot *models.ReviewerMetricsSnapshot, formula *models.ReliabilityFormula) float64 {
	var weighted, total float64
	for name, weight := range formula.Weights {
		if weight <= 0 {
			continue
		}
		value, ok := snapshot.MetricValue(name)
		if !ok {
			log.Warnf("Formula %s weights unknown metric %q, treating as zero contribution", formula.ID, name)
			total += weight
			continue
		}
		weighted += value * weight
		total += weight
	}
	if total == 0 {
		return 0
	}

	score := weighted / total
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// EvaluateAll evaluates the active formula and every shadow formula over
// one snapshot. Swapping the active formula never requires code changes,
// only a different stored formula ID.
func EvaluateAll(snapshot *models.ReviewerMetricsSnapshot, active *models.ReliabilityFormula, shadows []*models.ReliabilityFormula) Evaluation {
	eval := Evaluation{
		Active: Evaluate(snapshot, active),
		Shadow: make(map[string]float64, len(shadows)),
	}
	for _, shadow := range shadows {
		eval.Shadow[shadow.ID] = Evaluate(snapshot, shadow)
	}
	return eval
}
