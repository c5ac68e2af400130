package shadowlog

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/models"
	rkeys "github.com/dimzachar/ScholarsXP-sub006/pkgs/redis"
)

// Logger appends shadow consensus rows to a Redis stream. The stream is
// write-once, read only by offline analytics, never by the live path.
type Logger struct {
	client *redis.Client
	keys   *rkeys.KeyBuilder
}

// NewLogger creates a shadow consensus logger
func NewLogger(client *redis.Client, namespace string) *Logger {
	return &Logger{
		client: client,
		keys:   rkeys.NewKeyBuilder(namespace),
	}
}

// Log appends one row per consensus run per shadow formula. A logging
// failure is recorded to the operational log and swallowed: shadow
// logging must never fail a real consensus finalize, so no error is
// returned to the caller.
func (l *Logger) Log(ctx context.Context, submissionID, activeFormulaID string, activeScore float64, shadowFormulaID string, shadowScore float64) {
	row := models.ShadowConsensusLog{
		SubmissionID:    submissionID,
		ActiveFormulaID: activeFormulaID,
		ActiveScore:     activeScore,
		ShadowFormulaID: shadowFormulaID,
		ShadowScore:     shadowScore,
		Delta:           shadowScore - activeScore,
		LoggedAt:        time.Now().UTC(),
	}

	err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.keys.ShadowLogStream(),
		Values: map[string]interface{}{
			"submission_id":     row.SubmissionID,
			"active_formula_id": row.ActiveFormulaID,
			"active_score":      row.ActiveScore,
			"shadow_formula_id": row.ShadowFormulaID,
			"shadow_score":      row.ShadowScore,
			"delta":             row.Delta,
			"logged_at":         row.LoggedAt.Unix(),
		},
	}).Err()
	if err != nil {
		log.Errorf("Shadow consensus log failed for submission %s (formula %s): %v",
			submissionID, shadowFormulaID, err)
		return
	}

	log.Debugf("Shadow log: submission=%s active=%s(%.2f) shadow=%s(%.2f) delta=%.2f",
		submissionID, activeFormulaID, activeScore, shadowFormulaID, shadowScore, row.Delta)
}
