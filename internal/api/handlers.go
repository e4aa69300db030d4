package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/north-cloud/audit-orchestrator/internal/domain"
	"github.com/north-cloud/audit-orchestrator/internal/events"
	"github.com/north-cloud/audit-orchestrator/internal/logger"
	"github.com/north-cloud/audit-orchestrator/internal/progress"
)

// pushRequest is the push-delivery wrapper some brokers wrap events in. The
// envelope rides base64 encoded in message.data.
type pushRequest struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"message_id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// ingestEvent accepts a lifecycle event over HTTP and runs it through the
// engine. A 2xx acknowledges the delivery; a 5xx tells the pusher to retry,
// mirroring the stream consumer's ack semantics.
// POST /events
func (r *Router) ingestEvent(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	env, err := decodeIngress(body)
	if err != nil {
		// Same policy as the consumer: a payload that cannot parse will
		// never parse, so acknowledge rather than force a retry loop.
		r.log.Error("rejecting malformed event push", logger.Error(err))
		r.metrics.MalformedEvents.Inc()
		c.JSON(http.StatusOK, gin.H{"status": "discarded"})
		return
	}

	if err := r.engine.HandleEvent(c.Request.Context(), env); err != nil {
		r.log.Error("event handling failed",
			logger.String("event_type", string(env.EventType)),
			logger.String("event_id", env.EventID.String()),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event handling failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// decodeIngress accepts either a bare envelope or a push wrapper carrying a
// base64-encoded envelope.
func decodeIngress(body []byte) (events.Envelope, error) {
	var push pushRequest
	if err := json.Unmarshal(body, &push); err == nil && push.Message.Data != "" {
		raw, err := base64.StdEncoding.DecodeString(push.Message.Data)
		if err != nil {
			return events.Envelope{}, err
		}
		body = raw
	}

	var env events.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return events.Envelope{}, err
	}
	if env.EventType == "" {
		return events.Envelope{}, errors.New("missing event_type")
	}
	return env, nil
}

// getAuditRecord returns one audit record with its computed overall progress.
// GET /api/v1/audits/:id
func (r *Router) getAuditRecord(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid audit record id"})
		return
	}

	rec, err := r.records.FindByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "audit record not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load audit record"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"record":           rec,
		"overall_progress": progress.OverallProgress(rec),
	})
}

// listChildAudits returns the page audits under a domain audit.
// GET /api/v1/audits/:id/children
func (r *Router) listChildAudits(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid audit record id"})
		return
	}

	children, err := r.records.ListChildPageAudits(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list child audits"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"children": children,
		"count":    len(children),
	})
}
