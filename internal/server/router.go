package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/josephluck/internote-sub000/internal/notes"
)

const userIDContextKey = "internote_user_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingNotesService   = errors.New("notes service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns the user id it scopes.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenValidator TokenValidator
	NotesService   *notes.Service
	Realtime       *ChangeDispatcher
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router for the note store API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewChangeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:       deps.TokenValidator,
		notesService: deps.NotesService,
		realtime:     realtime,
		logger:       logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/notes", handler.handleCreateNote)
	protected.PUT("/notes/:noteId", handler.handleUpdateNote)
	protected.DELETE("/notes/:noteId", handler.handleDeleteNote)
	protected.GET("/notes", handler.handleListNotes)
	protected.GET("/notes/:noteId", handler.handleGetNote)
	protected.GET("/tags", handler.handleListTags)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	tokens       TokenValidator
	notesService *notes.Service
	realtime     *ChangeDispatcher
	logger       *zap.Logger
}

type notePayload struct {
	NoteID      string   `json:"note_id"`
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags"`
	CreatedAtMs int64    `json:"created_at_ms"`
	UpdatedAtMs int64    `json:"updated_at_ms"`
}

type createRequestPayload struct {
	NoteID  string   `json:"note_id"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

type updateRequestPayload struct {
	Title            string   `json:"title"`
	Content          string   `json:"content"`
	Tags             []string `json:"tags"`
	BasisUpdatedAtMs int64    `json:"basis_updated_at_ms"`
	Overwrite        bool     `json:"overwrite"`
}

type conflictResponsePayload struct {
	Error       string `json:"error"`
	Title       string `json:"title"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

func toNotePayload(record notes.NoteRecord) notePayload {
	tags := record.Tags
	if tags == nil {
		tags = []string{}
	}
	return notePayload{
		NoteID:      record.NoteID,
		Title:       record.Title,
		Content:     record.Content,
		Tags:        tags,
		CreatedAtMs: record.CreatedAtMs,
		UpdatedAtMs: record.UpdatedAtMs,
	}
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}

	var request createRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.notesService.CreateNote(c.Request.Context(), userID, notes.NoteInput{
		NoteID:  request.NoteID,
		Title:   request.Title,
		Content: request.Content,
		Tags:    request.Tags,
	})
	if err != nil {
		h.respondWriteError(c, "create note failed", err)
		return
	}

	h.publishChange(userID, record.NoteID)
	c.JSON(http.StatusCreated, toNotePayload(record))
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}
	noteID, err := notes.NewNoteID(c.Param("noteId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}

	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.notesService.UpdateNote(c.Request.Context(), userID, noteID,
		request.BasisUpdatedAtMs, request.Overwrite, notes.NoteInput{
			Title:   request.Title,
			Content: request.Content,
			Tags:    request.Tags,
		})
	if err != nil {
		var conflict *notes.ConflictError
		if errors.As(err, &conflict) {
			c.JSON(http.StatusConflict, conflictResponsePayload{
				Error:       "conflict",
				Title:       conflict.Title,
				UpdatedAtMs: conflict.UpdatedAtMs,
			})
			return
		}
		h.respondWriteError(c, "update note failed", err)
		return
	}

	h.publishChange(userID, record.NoteID)
	c.JSON(http.StatusOK, toNotePayload(record))
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}
	noteID, err := notes.NewNoteID(c.Param("noteId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}

	if err := h.notesService.DeleteNote(c.Request.Context(), userID, noteID); err != nil {
		h.respondWriteError(c, "delete note failed", err)
		return
	}

	h.publishChange(userID, noteID.String())
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}
	noteID, err := notes.NewNoteID(c.Param("noteId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}

	record, err := h.notesService.GetNote(c.Request.Context(), userID, noteID)
	if err != nil {
		if errors.Is(err, notes.ErrNoteNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("get note failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failure"})
		return
	}

	c.JSON(http.StatusOK, toNotePayload(record))
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}

	records, err := h.notesService.ListNotes(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list notes failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failure"})
		return
	}

	payloads := make([]notePayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, toNotePayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"notes": payloads})
}

func (h *httpHandler) handleListTags(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}

	tags, err := h.notesService.ListTags(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list tags failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failure"})
		return
	}
	if tags == nil {
		tags = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

type eventPayload struct {
	NoteIDs     []string `json:"note_ids"`
	TimestampMs int64    `json:"timestamp_ms"`
}

// heartbeatInterval paces keep-alive events on otherwise idle streams.
// Shortened by tests.
var heartbeatInterval = 25 * time.Second

// handleEvents streams the user's note-change events as server-sent events.
// Clients use any event as a "sync now" wake signal. Idle streams carry
// periodic heartbeats so intermediaries do not drop the connection.
func (h *httpHandler) handleEvents(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}

	stream, cancel := h.realtime.Subscribe(c.Request.Context(), userID.String())
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(EventNoteChanged, eventPayload{
				NoteIDs:     event.NoteIDs,
				TimestampMs: event.Timestamp.UnixMilli(),
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(EventHeartbeat, gin.H{"timestamp_ms": time.Now().UnixMilli()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) publishChange(userID notes.UserID, noteID string) {
	h.realtime.Publish(ChangeEvent{
		UserID:    userID.String(),
		NoteIDs:   []string{noteID},
		Timestamp: time.Now().UTC(),
	})
}

func (h *httpHandler) respondWriteError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, notes.ErrValidation), errors.Is(err, notes.ErrInvalidNoteID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failure"})
	case errors.Is(err, notes.ErrNoteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failure"})
	}
}

func (h *httpHandler) requestUser(c *gin.Context) (notes.UserID, bool) {
	raw := c.GetString(userIDContextKey)
	userID, err := notes.NewUserID(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
