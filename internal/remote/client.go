// Package remote implements the reconciler's Remote interface over the
// note store's HTTP API.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/josephluck/internote-sub000/internal/syncer"
)

var (
	errMissingBaseURL = errors.New("remote: base url is required")
	errMissingToken   = errors.New("remote: bearer token is required")

	noOpLogger = zap.NewNop()
)

// ClientConfig describes the HTTP client's wiring.
type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the note store API with a bearer token. Conflict,
// not-found and validation responses map to the syncer's typed errors;
// everything else surfaces as a transport failure, which the reconciler
// answers by leaving the entry dirty.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and constructs the client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errMissingToken
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
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
	Title       string `json:"title"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

func toRemoteNote(payload notePayload) syncer.RemoteNote {
	return syncer.RemoteNote{
		NoteID:      payload.NoteID,
		Title:       payload.Title,
		Content:     payload.Content,
		Tags:        payload.Tags,
		CreatedAtMs: payload.CreatedAtMs,
		UpdatedAtMs: payload.UpdatedAtMs,
	}
}

// CreateNote creates the note on the server, carrying the client-generated id.
func (c *Client) CreateNote(ctx context.Context, note syncer.RemoteNote) (syncer.RemoteNote, error) {
	body := createRequestPayload{
		NoteID:  note.NoteID,
		Title:   note.Title,
		Content: note.Content,
		Tags:    note.Tags,
	}
	var response notePayload
	if err := c.doJSON(ctx, http.MethodPost, "/notes", body, &response); err != nil {
		return syncer.RemoteNote{}, err
	}
	return toRemoteNote(response), nil
}

// UpdateNote submits the note with the caller's basis timestamp. A 409
// response becomes a *syncer.ConflictError carrying the server's state.
func (c *Client) UpdateNote(ctx context.Context, note syncer.RemoteNote, basisUpdatedAtMs int64, overwrite bool) (syncer.RemoteNote, error) {
	body := updateRequestPayload{
		Title:            note.Title,
		Content:          note.Content,
		Tags:             note.Tags,
		BasisUpdatedAtMs: basisUpdatedAtMs,
		Overwrite:        overwrite,
	}
	var response notePayload
	if err := c.doJSON(ctx, http.MethodPut, "/notes/"+note.NoteID, body, &response); err != nil {
		return syncer.RemoteNote{}, err
	}
	return toRemoteNote(response), nil
}

// DeleteNote removes the note. The server treats unknown ids as success, so
// any 2xx or 404 counts as done.
func (c *Client) DeleteNote(ctx context.Context, noteID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/notes/"+noteID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 300 {
		return c.statusError(resp)
	}
	return nil
}

// GetNote fetches a single note.
func (c *Client) GetNote(ctx context.Context, noteID string) (syncer.RemoteNote, error) {
	var response notePayload
	if err := c.doJSON(ctx, http.MethodGet, "/notes/"+noteID, nil, &response); err != nil {
		return syncer.RemoteNote{}, err
	}
	return toRemoteNote(response), nil
}

// ListNotes fetches every note for the token's user, used for cache warm.
func (c *Client) ListNotes(ctx context.Context) ([]syncer.RemoteNote, error) {
	var response struct {
		Notes []notePayload `json:"notes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/notes", nil, &response); err != nil {
		return nil, err
	}
	records := make([]syncer.RemoteNote, 0, len(response.Notes))
	for _, payload := range response.Notes {
		records = append(records, toRemoteNote(payload))
	}
	return records, nil
}

// Watch consumes the server's event stream and invokes wake on every
// note-change event. It returns when the context ends or the stream drops;
// callers reconnect on their own cadence.
func (c *Client) Watch(ctx context.Context, wake func()) error {
	resp, err := c.do(ctx, http.MethodGet, "/events", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			wake()
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("remote: event stream: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remote: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("remote: decode response: %w", err)
		}
		return nil
	case http.StatusBadRequest:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s", syncer.ErrValidationRejected, strings.TrimSpace(string(raw)))
	case http.StatusNotFound:
		return syncer.ErrNoteNotFound
	case http.StatusConflict:
		var conflict conflictResponsePayload
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return fmt.Errorf("remote: decode conflict response: %w", err)
		}
		return &syncer.ConflictError{Title: conflict.Title, UpdatedAtMs: conflict.UpdatedAtMs}
	default:
		return c.statusError(resp)
	}
}

func (c *Client) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	c.logger.Warn("remote call rejected",
		zap.Int("status", resp.StatusCode),
		zap.ByteString("body", raw))
	return fmt.Errorf("remote: unexpected status %d", resp.StatusCode)
}
