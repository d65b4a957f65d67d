package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/gin-gonic/gin"
)

func (s *Server) handleSharedInbox(c *gin.Context) {
	s.acceptDelivery(c)
}

func (s *Server) handleUserInbox(c *gin.Context) {
	if s.account(c) == nil {
		return
	}
	s.acceptDelivery(c)
}

// acceptDelivery runs the checks that need the live request (signature
// header, Date freshness, body digest) and queues the rest. Keys are fetched
// and the signature verified by the inbox worker.
func (s *Server) acceptDelivery(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	sig, err := activitypub.CaptureSignature(c.Request)
	if err == nil {
		err = activitypub.CheckDate(c.GetHeader("Date"), s.now(), s.conf.Federation.DateWindow)
	}
	if err == nil {
		err = activitypub.VerifyDigest(c.GetHeader("Digest"), body)
	}
	if err != nil {
		s.logger.Warn("Rejected inbox delivery", "ip", c.ClientIP(), "err", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	var probe map[string]any
	if err := json.Unmarshal(body, &probe); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}

	if err := s.queue.EnqueueInboxJob(c.Request.Context(), sig, body); err != nil {
		s.logger.Error("Failed to queue inbox delivery", "key", sig.KeyID, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusAccepted)
}
