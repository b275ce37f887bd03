package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/comments"
	"github.com/MarcoPoloResearchLab/ides/internal/readers"
	"github.com/MarcoPoloResearchLab/ides/internal/reading"
	"github.com/MarcoPoloResearchLab/ides/internal/revisions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type loginRequestPayload struct {
	Token string `json:"token"`
}

type loginResponsePayload struct {
	ReaderID  string `json:"reader_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	ExpiresAt string `json:"expires_at"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	reader, err := h.readers.Authenticate(c.Request.Context(), readers.Token(strings.TrimSpace(request.Token)))
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	session, expiresAt, err := h.sessions.Issue(reader)
	if err != nil {
		h.logger.Error("failed to issue session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_issue_failed"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.validator.CookieName(), session, int(h.sessions.TTL().Seconds()), "/", "", c.Request.TLS != nil, true)
	c.JSON(http.StatusOK, loginResponsePayload{
		ReaderID:  reader.ID,
		Name:      reader.Name,
		Role:      string(reader.Role),
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.validator.CookieName(), "", -1, "/", "", c.Request.TLS != nil, true)
	c.Status(http.StatusNoContent)
}

type blockPayload struct {
	ID       int64  `json:"id"`
	Sequence int    `json:"sequence"`
	Type     string `json:"type"`
	Content  string `json:"content"`
}

type noticePayload struct {
	Tier       string `json:"tier"`
	RemappedAt string `json:"remapped_at"`
}

type pagePayload struct {
	RevisionID  int64          `json:"revision_id"`
	Sequence    int            `json:"sequence"`
	TotalBlocks int            `json:"total_blocks"`
	AtEdge      bool           `json:"at_edge"`
	Moved       bool           `json:"moved"`
	Blocks      []blockPayload `json:"blocks"`
	Notice      *noticePayload `json:"notice,omitempty"`
}

func newPagePayload(page reading.Page) pagePayload {
	payload := pagePayload{
		RevisionID:  page.RevisionID,
		Sequence:    page.Sequence,
		TotalBlocks: page.TotalBlocks,
		AtEdge:      page.AtEdge,
		Moved:       page.Moved,
		Blocks:      make([]blockPayload, 0, len(page.Blocks)),
	}
	for _, block := range page.Blocks {
		payload.Blocks = append(payload.Blocks, newBlockPayload(block))
	}
	if page.Notice != nil {
		payload.Notice = &noticePayload{
			Tier:       string(page.Notice.Tier),
			RemappedAt: page.Notice.RemappedAt.Format(time.RFC3339),
		}
	}
	return payload
}

func newBlockPayload(block revisions.SequencedBlock) blockPayload {
	return blockPayload{
		ID:       block.ID,
		Sequence: block.Sequence,
		Type:     block.Block.Type.String(),
		Content:  block.Block.Content,
	}
}

func (h *httpHandler) handleView(c *gin.Context) {
	page, err := h.pager.View(c.Request.Context(), c.GetString(readerIDContextKey))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPagePayload(page))
}

type navigateRequestPayload struct {
	Stride           int  `json:"stride"`
	ExpectedSequence *int `json:"expected_sequence"`
}

func (h *httpHandler) handleNavigate(direction reading.Direction) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request navigateRequestPayload
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&request); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
				return
			}
		}
		page, err := h.pager.Navigate(c.Request.Context(), c.GetString(readerIDContextKey), reading.NavigateRequest{
			Direction:        direction,
			Stride:           request.Stride,
			ExpectedSequence: request.ExpectedSequence,
		})
		if err != nil {
			h.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, newPagePayload(page))
	}
}

func (h *httpHandler) handleAcknowledgeNotice(c *gin.Context) {
	if err := h.pager.AcknowledgeNotice(c.Request.Context(), c.GetString(readerIDContextKey)); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type eventPayload struct {
	RevisionID     int64  `json:"revision_id"`
	PointerVersion int64  `json:"pointer_version,omitempty"`
	Sequence       int    `json:"sequence"`
	Tier           string `json:"tier,omitempty"`
	Timestamp      string `json:"timestamp"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	readerID := c.GetString(readerIDContextKey)
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, readerID)
	defer cleanup()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	_, _ = fmt.Fprintf(c.Writer, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(c.Writer, "event: %s\ndata: {}\n\n", realtimeEventHeartbeat)
			flusher.Flush()
		case message, open := <-stream:
			if !open {
				return
			}
			data, err := json.Marshal(eventPayload{
				RevisionID:     message.RevisionID,
				PointerVersion: message.PointerVersion,
				Sequence:       message.Sequence,
				Tier:           message.Tier,
				Timestamp:      message.Timestamp.Format(time.RFC3339Nano),
			})
			if err != nil {
				h.logger.Warn("failed to encode realtime event", zap.Error(err))
				continue
			}
			_, _ = fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", message.EventType, data)
			flusher.Flush()
		}
	}
}

type commentPayload struct {
	ID        string `json:"id"`
	BlockID   int64  `json:"block_id"`
	ReaderID  string `json:"reader_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

type addCommentRequestPayload struct {
	Body string `json:"body"`
}

func newCommentPayloads(found []comments.Comment) []commentPayload {
	payloads := make([]commentPayload, 0, len(found))
	for _, comment := range found {
		payloads = append(payloads, newCommentPayload(comment))
	}
	return payloads
}

func newCommentPayload(comment comments.Comment) commentPayload {
	return commentPayload{
		ID:        comment.ID,
		BlockID:   comment.BlockID,
		ReaderID:  comment.ReaderID,
		Body:      comment.Body,
		CreatedAt: comment.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	blockID, ok := parseIDParam(c)
	if !ok {
		return
	}
	found, err := h.comments.ListForBlock(c.Request.Context(), blockID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": newCommentPayloads(found)})
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	blockID, ok := parseIDParam(c)
	if !ok {
		return
	}
	var request addCommentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	comment, err := h.comments.Add(c.Request.Context(), c.GetString(readerIDContextKey), blockID, request.Body)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newCommentPayload(comment))
}

func parseIDParam(c *gin.Context) (int64, bool) {
	value, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || value <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return 0, false
	}
	return value, true
}
