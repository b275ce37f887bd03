package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/content"
	"github.com/MarcoPoloResearchLab/ides/internal/errs"
	"github.com/MarcoPoloResearchLab/ides/internal/readers"
	"github.com/MarcoPoloResearchLab/ides/internal/reading"
	"github.com/MarcoPoloResearchLab/ides/internal/revisions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxImportBytes = 32 << 20

type revisionPayload struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	BlockCount int    `json:"block_count"`
	CreatedAt  string `json:"created_at"`
	Live       bool   `json:"live"`
}

func newRevisionPayload(revision revisions.Revision, liveID int64) revisionPayload {
	return revisionPayload{
		ID:         revision.ID,
		Title:      revision.Title,
		BlockCount: revision.BlockCount,
		CreatedAt:  revision.CreatedAt.UTC().Format(time.RFC3339),
		Live:       revision.ID == liveID,
	}
}

type remapPayload struct {
	ReaderID       string `json:"reader_id"`
	FromRevisionID int64  `json:"from_revision_id"`
	FromSequence   int    `json:"from_sequence"`
	Sequence       int    `json:"sequence"`
	Tier           string `json:"tier"`
}

type publishReportPayload struct {
	RevisionID     int64          `json:"revision_id"`
	PointerVersion int64          `json:"pointer_version"`
	TierCounts     map[string]int `json:"tier_counts"`
	Remapped       []remapPayload `json:"remapped"`
}

func newPublishReportPayload(report reading.PublishReport) publishReportPayload {
	payload := publishReportPayload{
		RevisionID:     report.RevisionID,
		PointerVersion: report.PointerVersion,
		TierCounts:     make(map[string]int, len(report.TierCounts)),
		Remapped:       make([]remapPayload, 0, len(report.Remapped)),
	}
	for tier, count := range report.TierCounts {
		payload.TierCounts[string(tier)] = count
	}
	for _, remap := range report.Remapped {
		payload.Remapped = append(payload.Remapped, remapPayload{
			ReaderID:       remap.ReaderID,
			FromRevisionID: remap.FromRevisionID,
			FromSequence:   remap.FromSequence,
			Sequence:       remap.Match.Sequence,
			Tier:           string(remap.Match.Tier),
		})
	}
	return payload
}

// handleImport parses the raw request body as a book and stores it as a new revision.
// With ?publish=true the revision is made live right away.
func (h *httpHandler) handleImport(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxImportBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "import_too_large"})
		return
	}

	book := content.Parse(string(raw))
	revision, err := h.store.Persist(c.Request.Context(), book)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	h.logger.Info("book imported",
		zap.Int64("revision_id", revision.ID),
		zap.Int("block_count", revision.BlockCount),
		zap.String("reader_id", c.GetString(readerIDContextKey)))

	response := gin.H{"revision": newRevisionPayload(revision, 0)}
	if publish, _ := strconv.ParseBool(c.Query("publish")); publish {
		report, err := h.publisher.Publish(c.Request.Context(), revision.ID)
		if err != nil {
			h.abortWithError(c, err)
			return
		}
		response["revision"] = newRevisionPayload(revision, revision.ID)
		response["report"] = newPublishReportPayload(report)
	}
	c.JSON(http.StatusCreated, response)
}

func (h *httpHandler) handleListRevisions(c *gin.Context) {
	ctx := c.Request.Context()
	var liveID int64
	live, err := h.store.Live(ctx)
	switch {
	case err == nil:
		liveID = live.ID
	case errors.Is(err, errs.ErrNoLiveRevision):
	default:
		h.abortWithError(c, err)
		return
	}

	stored, err := h.store.ListRevisions(ctx)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	payloads := make([]revisionPayload, 0, len(stored))
	for _, revision := range stored {
		payloads = append(payloads, newRevisionPayload(revision, liveID))
	}
	response := gin.H{"revisions": payloads, "live_revision_id": nil}
	if liveID != 0 {
		response["live_revision_id"] = liveID
	}
	c.JSON(http.StatusOK, response)
}

type publishRequestPayload struct {
	RevisionID int64 `json:"revision_id"`
}

func (h *httpHandler) handlePublish(c *gin.Context) {
	var request publishRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.RevisionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	report, err := h.publisher.Publish(c.Request.Context(), request.RevisionID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPublishReportPayload(report))
}

type readerPayload struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Role      string  `json:"role"`
	CreatedAt string  `json:"created_at"`
	RevokedAt *string `json:"revoked_at"`
}

func newReaderPayload(reader readers.Reader) readerPayload {
	payload := readerPayload{
		ID:        reader.ID,
		Name:      reader.Name,
		Role:      string(reader.Role),
		CreatedAt: reader.CreatedAt.UTC().Format(time.RFC3339),
	}
	if reader.RevokedAt != nil {
		revoked := reader.RevokedAt.UTC().Format(time.RFC3339)
		payload.RevokedAt = &revoked
	}
	return payload
}

type issueReaderRequestPayload struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

func (h *httpHandler) handleListReaders(c *gin.Context) {
	stored, err := h.readers.List(c.Request.Context())
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	payloads := make([]readerPayload, 0, len(stored))
	for _, reader := range stored {
		payloads = append(payloads, newReaderPayload(reader))
	}
	c.JSON(http.StatusOK, gin.H{"readers": payloads})
}

func (h *httpHandler) handleIssueReader(c *gin.Context) {
	var request issueReaderRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	role := readers.RoleReader
	if request.Role != "" {
		parsed, err := readers.ParseRole(request.Role)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
			return
		}
		role = parsed
	}
	reader, token, err := h.readers.Issue(c.Request.Context(), request.Name, role)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"reader": newReaderPayload(reader), "token": token.Reveal()})
}

func (h *httpHandler) handleRevokeReader(c *gin.Context) {
	if err := h.readers.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRecentComments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	found, err := h.comments.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": newCommentPayloads(found)})
}
