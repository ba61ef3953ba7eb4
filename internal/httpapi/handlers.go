package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mfsantos/paychat/internal/pipeline"
	"github.com/mfsantos/paychat/internal/relay"
	"github.com/mfsantos/paychat/internal/store"
	"go.uber.org/zap"
)

func (s *Server) getStatus(c *gin.Context) {
	convs, _ := s.db.ConversationCount()
	msgs, _ := s.db.MessageCount()
	depth, _ := s.db.QueueDepth()
	c.JSON(http.StatusOK, gin.H{
		"state":         s.machine.Current(),
		"conversations": convs,
		"messages":      msgs,
		"queue_depth":   depth,
	})
}

func (s *Server) listConversations(c *gin.Context) {
	convs, err := s.db.ListConversations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *Server) listMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	msgs, err := s.db.ListMessages(c.Param("id"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) markRead(c *gin.Context) {
	if err := s.pipeline.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark read"})
		return
	}
	c.Status(http.StatusNoContent)
}

type updateConversationRequest struct {
	Pinned *bool `json:"pinned"`
	Muted  *bool `json:"muted"`
}

func (s *Server) updateConversation(c *gin.Context) {
	var req updateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	err := s.db.UpdateConversationMeta(c.Param("id"), store.ConversationMeta{
		Pinned: req.Pinned,
		Muted:  req.Muted,
	})
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update conversation"})
		return
	}
	c.Status(http.StatusNoContent)
}

type sendMessageRequest struct {
	PeerID        string `json:"peer_id" binding:"required"`
	Text          string `json:"text"`
	MessageType   string `json:"message_type"`
	AttachmentURI string `json:"attachment_uri"`
	ClientID      string `json:"client_id"`
	Timestamp     int64  `json:"timestamp"`
}

// sendMessage accepts an outgoing message. The response is 202: the local
// write has committed but delivery may still be pending or queued; the
// returned status says which branch the send took.
func (s *Server) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	msg, err := s.pipeline.Send(c.Request.Context(), req.PeerID, pipeline.Outgoing{
		Text:          req.Text,
		MessageType:   req.MessageType,
		AttachmentURI: req.AttachmentURI,
		ClientID:      req.ClientID,
		Timestamp:     req.Timestamp,
	})
	if errors.Is(err, store.ErrValidation) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send message"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": msg})
}

type editMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) editMessage(c *gin.Context) {
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	err := s.db.EditMessage(c.Param("id"), req.Text)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to edit message"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteMessage(c *gin.Context) {
	err := s.db.SoftDeleteMessage(c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete message"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) searchMessages(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	results, err := s.db.SearchMessages(query, c.Query("conversation_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// listQueue exposes the retry queue. With ?stuck=1 it returns only entries
// at the attempt ceiling, the ones a sweep will no longer touch.
func (s *Server) listQueue(c *gin.Context) {
	var entries []store.RetryEntry
	var err error
	if c.Query("stuck") == "1" {
		entries, err = s.db.ListStuck(s.maxAttempts)
	} else {
		entries, err = s.db.ListRetryable(s.maxAttempts)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) forceRetry(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return
	}
	err = s.pipeline.ForceRetry(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	if err != nil {
		// The resend failed; the entry stays queued.
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// receivePush is the background webhook. It shares the decode and apply path
// with the live stream. Unknown payload types are dropped with a warning and
// acknowledged, matching transport semantics where a push cannot be retried
// by the sender.
func (s *Server) receivePush(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	p, err := relay.Decode(raw)
	if err != nil {
		if errors.Is(err, relay.ErrUnknownPayload) {
			s.logger.Warn("dropping unrecognized push", zap.Error(err))
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	s.pipeline.HandlePush(*p)
	c.Status(http.StatusNoContent)
}
