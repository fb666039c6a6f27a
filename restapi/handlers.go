package restapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sharedcode/duet"
)

// GetTransaction godoc
// @Summary GetTransaction returns the current status of a transaction.
// @Schemes
// @Description GetTransaction responds with the transaction's terminal or in-flight status as JSON.
// @Tags Transactions
// @Accept json
// @Produce json
// @Param			id	path		string		true	"Transaction ID"    minlength(1)
// @Failure 404 {object} map[string]any
// @Success 200 {object} map[string]any
// @Router /transactions/{id} [get]
// @Security Bearer
func (s *Server) GetTransaction(c *gin.Context) {
	id := c.Param("id")
	status, err := s.db.Coordinator().GetStatus(c, id)
	if err != nil {
		c.IndentedJSON(http.StatusNotFound, gin.H{"message": fmt.Sprintf("unknown transaction %q", id)})
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"id": id, "status": status.String()})
}

// GetTransactionErrors godoc
// @Summary GetTransactionErrors returns the error journal entries of one transaction.
// @Schemes
// @Description GetTransactionErrors responds with every failure recorded for the transaction, oldest first.
// @Tags Transactions
// @Accept json
// @Produce json
// @Param			id	path		string		true	"Transaction ID"    minlength(1)
// @Success 200 {object} []duet.ErrorRecord
// @Router /transactions/{id}/errors [get]
// @Security Bearer
func (s *Server) GetTransactionErrors(c *gin.Context) {
	records := s.db.Handler().RecordsFor(c.Param("id"))
	if records == nil {
		records = []duet.ErrorRecord{}
	}
	c.IndentedJSON(http.StatusOK, records)
}

// GetErrors godoc
// @Summary GetErrors returns the full error journal.
// @Schemes
// @Description GetErrors responds with every failure the handler has recorded, across all transactions.
// @Tags Errors
// @Accept json
// @Produce json
// @Success 200 {object} []duet.ErrorRecord
// @Router /errors [get]
// @Security Bearer
func (s *Server) GetErrors(c *gin.Context) {
	records := s.db.Handler().Records()
	if records == nil {
		records = []duet.ErrorRecord{}
	}
	c.IndentedJSON(http.StatusOK, records)
}

// GetReviews godoc
// @Summary GetReviews returns the manual-review queue.
// @Schemes
// @Description GetReviews responds with one entry per transaction parked in NEEDS_MANUAL_REVIEW, newest failure first, with the latest journaled failure as the reason.
// @Tags Reviews
// @Accept json
// @Produce json
// @Success 200 {object} []map[string]any
// @Router /reviews [get]
// @Security Bearer
func (s *Server) GetReviews(c *gin.Context) {
	// The queue is defined by live state, not by journal strategy: a parked
	// in-doubt commit carries only a partial-commit record, yet still needs
	// an operator.
	records := s.db.Handler().Records()
	seen := make(map[string]bool)
	reviews := make([]gin.H, 0)
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if seen[rec.TransactionID] {
			continue
		}
		seen[rec.TransactionID] = true
		status, err := s.db.Coordinator().GetStatus(c, rec.TransactionID)
		if err != nil || status != duet.StatusNeedsManualReview {
			continue
		}
		reviews = append(reviews, gin.H{
			"transaction_id": rec.TransactionID,
			"status":         status.String(),
			"reason":         rec.Message,
			"occurred":       rec.Occurred,
		})
	}
	c.IndentedJSON(http.StatusOK, reviews)
}

// RetryReview godoc
// @Summary RetryReview re-drives the compensation of a transaction parked for manual review.
// @Schemes
// @Description RetryReview replays the retained compensating commands. The commands are idempotent so retrying is safe; on success the backends are convergent again.
// @Tags Reviews
// @Accept json
// @Produce json
// @Param			id	path		string		true	"Transaction ID"    minlength(1)
// @Failure 404 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Failure 502 {object} map[string]any
// @Success 200 {object} map[string]any
// @Router /reviews/{id}/retry [post]
// @Security Bearer
func (s *Server) RetryReview(c *gin.Context) {
	id := c.Param("id")
	coord := s.db.Coordinator()
	if _, err := coord.GetStatus(c, id); err != nil {
		c.IndentedJSON(http.StatusNotFound, gin.H{"message": fmt.Sprintf("unknown transaction %q", id)})
		return
	}
	if err := coord.RetryCompensation(c, id); err != nil {
		// Validation here means the transaction is not parked for review,
		// anything else is the compensation failing against a backend again.
		code := http.StatusBadGateway
		var de duet.Error
		if errors.As(err, &de) && de.Code == duet.Validation {
			code = http.StatusConflict
		}
		c.IndentedJSON(code, gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"id": id, "message": "compensation re-driven"})
}

// GetReviewTrace godoc
// @Summary GetReviewTrace returns the archived trace of a failed transaction.
// @Schemes
// @Description GetReviewTrace responds with the archived trace document of a compensated or parked transaction, carrying its operations, the compensations attempted and the recorded failures.
// @Tags Reviews
// @Accept json
// @Produce json
// @Param			id	path		string		true	"Transaction ID"    minlength(1)
// @Failure 404 {object} map[string]any
// @Failure 502 {object} map[string]any
// @Success 200 {object} trace.Trace
// @Router /reviews/{id}/trace [get]
// @Security Bearer
func (s *Server) GetReviewTrace(c *gin.Context) {
	id := c.Param("id")
	tr, err := s.db.Coordinator().GetTrace(c, id)
	if err != nil {
		// Validation covers both an unknown id and a transaction that ended
		// cleanly and archived nothing; anything else is the archive store.
		code := http.StatusBadGateway
		var de duet.Error
		if errors.As(err, &de) && de.Code == duet.Validation {
			code = http.StatusNotFound
		}
		c.IndentedJSON(code, gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, tr)
}

// Healthz godoc
// @Summary Healthz is the liveness probe.
// @Schemes
// @Description Healthz responds 200 with the latest resource sample and per-backend ping results whenever the process is serving.
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]any
// @Router /healthz [get]
func (s *Server) Healthz(c *gin.Context) {
	sample, backends := s.db.Monitor().Snapshot()
	c.IndentedJSON(http.StatusOK, gin.H{
		"status":   "up",
		"version":  duet.Version,
		"sample":   sample,
		"backends": backends,
	})
}

// Readyz godoc
// @Summary Readyz is the readiness probe.
// @Schemes
// @Description Readyz responds 200 when every registered backend is alive and 503 when any is down, so load balancers stop routing to a degraded node.
// @Tags Health
// @Produce json
// @Failure 503 {object} map[string]any
// @Success 200 {object} map[string]any
// @Router /readyz [get]
func (s *Server) Readyz(c *gin.Context) {
	_, backends := s.db.Monitor().Snapshot()
	if !s.db.Healthy() {
		c.IndentedJSON(http.StatusServiceUnavailable, gin.H{"ready": false, "backends": backends})
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"ready": true, "services": s.db.Services()})
}
