package service

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/dimzachar/ScholarsXP-sub006/config"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/consensus"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/events"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/metrics"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/models"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/reliability"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/storage"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/votes"
)

// Server exposes the consensus engine over HTTP
type Server struct {
	store      *storage.Store
	calculator *consensus.Calculator
	resolver   *votes.Resolver
	aggregator *metrics.Aggregator
	emitter    *events.Emitter
	settings   *config.Settings
}

// NewServer creates the API server
func NewServer(
	store *storage.Store,
	calculator *consensus.Calculator,
	resolver *votes.Resolver,
	aggregator *metrics.Aggregator,
	emitter *events.Emitter,
	settings *config.Settings,
) *Server {
	return &Server{
		store:      store,
		calculator: calculator,
		resolver:   resolver,
		aggregator: aggregator,
		emitter:    emitter,
		settings:   settings,
	}
}

// Router builds the gin engine with all routes registered
func (s *Server) Router() *gin.Engine {
	if !s.settings.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", s.Health)

		v1.POST("/submissions", s.CreateSubmission)
		v1.GET("/submissions/:id", s.GetSubmission)
		v1.POST("/reviews", s.AddReview)

		v1.POST("/consensus", s.RunConsensus)

		v1.GET("/reviewers/:id/reliability", s.ReviewerReliability)

		v1.POST("/formulas", s.CreateFormula)
		v1.GET("/formulas", s.ListFormulas)
		v1.GET("/formulas/:id", s.GetFormula)

		v1.GET("/cases/:id", s.GetVoteCase)
		v1.POST("/cases/:id/votes", s.CastVote)
		v1.POST("/cases/:id/tally", s.TallyVotes)

		v1.GET("/timeline/recent", s.RecentTimeline)
		v1.GET("/metrics/emitter", s.EmitterMetrics)
	}

	return router
}

// Run starts the HTTP server, blocking until it exits
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.settings.APIHost, s.settings.APIPort)
	log.Infof("Consensus API listening on %s", addr)
	return s.Router().Run(addr)
}

// Health reports API and Redis liveness
func (s *Server) Health(c *gin.Context) {
	if err := s.store.Client().Ping(c.Request.Context()).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"engine_id": s.settings.EngineID,
		"redis":     "connected",
		"timestamp": time.Now().UTC(),
	})
}

type createSubmissionRequest struct {
	ID       string  `json:"id"`
	AuthorID string  `json:"author_id" binding:"required"`
	AIScore  float64 `json:"ai_score"`
}

// CreateSubmission registers a submission entering peer review
func (s *Server) CreateSubmission(c *gin.Context) {
	var req createSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	sub := &models.Submission{
		ID:         req.ID,
		AuthorID:   req.AuthorID,
		AIScore:    req.AIScore,
		Status:     models.StatusUnderPeerReview,
		WeekNumber: models.WeekNumber(now),
		CreatedAt:  now,
	}
	if err := s.store.SaveSubmission(c.Request.Context(), sub); err != nil {
		log.Errorf("Failed to save submission %s: %v", sub.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save submission"})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// GetSubmission returns a submission's current state
func (s *Server) GetSubmission(c *gin.Context) {
	sub, err := s.store.GetSubmission(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

type addReviewRequest struct {
	ID            string  `json:"id"`
	ReviewerID    string  `json:"reviewer_id" binding:"required"`
	SubmissionID  string  `json:"submission_id" binding:"required"`
	Score         float64 `json:"score"`
	Comment       string  `json:"comment"`
	QualityRating int     `json:"quality_rating"`
	Category      string  `json:"category"`
	Late          bool    `json:"late"`
}

// AddReview records a peer review against a submission
func (s *Server) AddReview(c *gin.Context) {
	var req addReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Score < 0 || req.Score > s.settings.MaxScore {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("score must be within [0,%.0f]", s.settings.MaxScore),
		})
		return
	}
	if req.QualityRating != 0 && (req.QualityRating < 1 || req.QualityRating > 5) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quality_rating must be 1-5"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	// Reviews only attach to submissions still under peer review
	sub, err := s.store.GetSubmission(c.Request.Context(), req.SubmissionID)
	if err != nil {
		s.storageError(c, err)
		return
	}
	if sub.Status != models.StatusUnderPeerReview {
		c.JSON(http.StatusConflict, gin.H{
			"error": fmt.Sprintf("submission is %s, not accepting reviews", sub.Status),
		})
		return
	}

	review := &models.PeerReview{
		ID:               req.ID,
		ReviewerID:       req.ReviewerID,
		SubmissionID:     req.SubmissionID,
		Score:            req.Score,
		Comment:          req.Comment,
		QualityRating:    req.QualityRating,
		Category:         req.Category,
		Late:             req.Late,
		ValidationStatus: models.ValidationPending,
		SubmittedAt:      time.Now().UTC(),
	}
	if err := s.store.AddReview(c.Request.Context(), review); err != nil {
		log.Errorf("Failed to store review %s: %v", review.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store review"})
		return
	}
	c.JSON(http.StatusCreated, review)
}

type consensusRequest struct {
	SubmissionID string `json:"submissionId" binding:"required"`
}

// RunConsensus executes the consensus pipeline for one submission.
// Insufficient reviews is a retryable precondition, reported as 409.
func (s *Server) RunConsensus(c *gin.Context) {
	var req consensusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := s.calculator.CalculateConsensus(c.Request.Context(), req.SubmissionID)
	if err != nil {
		switch {
		case errors.Is(err, consensus.ErrInsufficientReviews):
			c.JSON(http.StatusConflict, gin.H{
				"error": "insufficient peer reviews, try again once more reviews arrive",
			})
		case errors.Is(err, consensus.ErrNoActiveFormula):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
		default:
			log.Errorf("Consensus failed for %s: %v", req.SubmissionID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "consensus run failed, try again"})
		}
		return
	}

	if outcome.Escalated {
		c.JSON(http.StatusOK, gin.H{
			"escalated": true,
			"caseId":    outcome.CaseID,
		})
		return
	}

	status := models.StatusFinalized
	if outcome.Result.Held {
		status = models.StatusUnderPeerReview
	}
	c.JSON(http.StatusOK, gin.H{
		"finalXp":    outcome.Result.FinalXP,
		"confidence": outcome.Result.Confidence,
		"status":     status,
		"held":       outcome.Result.Held,
	})
}

// ReviewerReliability exposes a reviewer's metrics snapshot, their score
// under the active formula, and their pool-eligibility class.
func (s *Server) ReviewerReliability(c *gin.Context) {
	reviewerID := c.Param("id")
	snapshot, err := s.aggregator.ComputeMetrics(c.Request.Context(), reviewerID)
	if err != nil {
		log.Errorf("Failed to compute metrics for %s: %v", reviewerID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute reviewer metrics"})
		return
	}

	response := gin.H{
		"metrics": snapshot,
		"class":   reliability.Classify(snapshot),
	}
	if s.settings.ActiveFormulaID != "" {
		if formula, err := s.store.GetFormula(c.Request.Context(), s.settings.ActiveFormulaID); err == nil {
			response["reliability"] = reliability.Evaluate(snapshot, formula)
			response["formula_id"] = formula.ID
		}
	}
	c.JSON(http.StatusOK, response)
}

// CreateFormula registers a new immutable reliability formula
func (s *Server) CreateFormula(c *gin.Context) {
	var formula models.ReliabilityFormula
	if err := c.ShouldBindJSON(&formula); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if formula.CreatedAt.IsZero() {
		formula.CreatedAt = time.Now().UTC()
	}
	if err := s.store.CreateFormula(c.Request.Context(), &formula); err != nil {
		if errors.Is(err, storage.ErrFormulaExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "formula ID already exists; weights are immutable, create a new version",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, formula)
}

// ListFormulas returns all registered formula IDs and which one is active
func (s *Server) ListFormulas(c *gin.Context) {
	ids, err := s.store.ListFormulaIDs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list formulas"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"formulas": ids,
		"active":   s.settings.ActiveFormulaID,
		"shadows":  s.settings.ShadowFormulaIDs,
	})
}

// GetFormula returns one formula definition
func (s *Server) GetFormula(c *gin.Context) {
	formula, err := s.store.GetFormula(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, formula)
}

// GetVoteCase returns a vote case with its current vote count
func (s *Server) GetVoteCase(c *gin.Context) {
	vc, err := s.store.GetVoteCase(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storageError(c, err)
		return
	}
	caseVotes, err := s.store.GetVotes(c.Request.Context(), vc.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load votes"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"case":       vc,
		"vote_count": len(caseVotes),
		"quorum":     s.settings.VoteQuorum,
	})
}

type castVoteRequest struct {
	Wallet       string  `json:"wallet" binding:"required"`
	XPValue      float64 `json:"xp_value"`
	SignatureRef string  `json:"signature_ref" binding:"required"`
}

// CastVote records one wallet's vote on an open case
func (s *Server) CastVote(c *gin.Context) {
	var req castVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	vote := &models.JudgmentVote{
		CaseID:       c.Param("id"),
		Wallet:       req.Wallet,
		XPValue:      req.XPValue,
		SignatureRef: req.SignatureRef,
		CastAt:       time.Now().UTC(),
	}
	if err := s.store.AddVote(c.Request.Context(), vote); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "vote case not found"})
		case errors.Is(err, storage.ErrCaseClosed):
			c.JSON(http.StatusConflict, gin.H{"error": "vote case is closed"})
		case errors.Is(err, storage.ErrDuplicateVote):
			c.JSON(http.StatusConflict, gin.H{"error": "wallet already voted on this case"})
		case errors.Is(err, storage.ErrInvalidVoteValue):
			c.JSON(http.StatusBadRequest, gin.H{"error": "vote must pick one of the two disputed scores"})
		default:
			log.Errorf("Failed to record vote on case %s: %v", vote.CaseID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record vote, try again"})
		}
		return
	}
	c.JSON(http.StatusCreated, vote)
}

// TallyVotes attempts to resolve a vote case
func (s *Server) TallyVotes(c *gin.Context) {
	resolution, err := s.resolver.Tally(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "vote case not found"})
			return
		}
		log.Errorf("Tally failed for case %s: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tally failed, try again"})
		return
	}
	c.JSON(http.StatusOK, resolution)
}

// RecentTimeline returns recent finalizations or escalations from the
// monitoring sorted sets.
func (s *Server) RecentTimeline(c *gin.Context) {
	eventType := c.DefaultQuery("type", "finalization")
	var key string
	switch eventType {
	case "finalization":
		key = s.store.Keys().FinalizationsTimeline()
	case "escalation":
		key = s.store.Keys().EscalationsTimeline()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be finalization or escalation"})
		return
	}

	now := time.Now().Unix()
	start := now - int64(time.Hour/time.Second)
	entries, err := s.store.Client().ZRangeByScoreWithScores(c.Request.Context(), key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", start),
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	formatted := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		formatted = append(formatted, gin.H{
			"submission_id": entry.Member,
			"timestamp":     int64(entry.Score),
			"time":          time.Unix(int64(entry.Score), 0).UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"type":   eventType,
		"count":  len(formatted),
		"events": formatted,
	})
}

// EmitterMetrics exposes event emitter counters for monitoring
func (s *Server) EmitterMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.emitter.GetMetrics())
}

// storageError maps storage sentinels to HTTP status codes
func (s *Server) storageError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	log.Errorf("Storage error: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error, try again"})
}
