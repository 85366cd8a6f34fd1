// Package kb is the client for the Outline knowledge base. Search degrades
// to an empty result on any failure so retrieval never blocks resolution.
package kb

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ashita-ai/sapphire/internal/breaker"
)

// ErrNotConfigured is returned by write operations when no Outline URL is set.
var ErrNotConfigured = errors.New("kb: outline not configured")

// ErrNotFound is returned when Outline has no document with the given id.
var ErrNotFound = errors.New("kb: document not found")

const (
	snippetLen       = 200
	maxResponseBytes = 8 << 20
	createTimeout    = 30 * time.Second
)

// Document is a knowledge base document as returned by search or info.
type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content"`
}

// CreatedDocument identifies a newly created draft.
type CreatedDocument struct {
	ID    string `json:"id"`
	URLID string `json:"url_id"`
	URL   string `json:"url"`
}

// Searcher is the read side used by retrieval.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) []Document
}

// Writer is the write side used by the KB agent.
type Writer interface {
	Searcher
	CreateDocument(ctx context.Context, title, text, collectionID string) (CreatedDocument, error)
}

// Config configures the Outline client.
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Client talks to the Outline API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cache      Cache
	cacheTTL   time.Duration
	cb         *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// New creates an Outline client. cache may be nil to disable caching.
func New(cfg Config, cache Cache, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache,
		cacheTTL:   cfg.CacheTTL,
		cb:         breaker.New("outline", breaker.Settings{}, logger),
		logger:     logger,
	}
}

// Configured reports whether an Outline URL was provided.
func (c *Client) Configured() bool { return c.baseURL != "" }

type outlineDoc struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URLID string `json:"urlId"`
	Text  string `json:"text"`
}

func (c *Client) toDocument(d outlineDoc) Document {
	snippet := d.Text
	if len(snippet) > snippetLen {
		snippet = snippet[:snippetLen] + "..."
	}
	return Document{
		ID:      d.ID,
		Title:   d.Title,
		URL:     c.docURL(d.URLID),
		Snippet: snippet,
		Content: d.Text,
	}
}

func (c *Client) docURL(urlID string) string {
	return c.baseURL + "/doc/" + urlID
}

func searchCacheKey(query string, limit int) string {
	sum := sha256.Sum256([]byte(strconv.Itoa(limit) + "\x00" + query))
	return "search:" + hex.EncodeToString(sum[:])
}

// Search runs documents.search. Errors are logged and yield an empty list.
func (c *Client) Search(ctx context.Context, query string, limit int) []Document {
	if !c.Configured() || strings.TrimSpace(query) == "" {
		return nil
	}
	if limit <= 0 {
		limit = 5
	}

	key := searchCacheKey(query, limit)
	if c.cache != nil {
		if raw, ok := c.cache.Get(ctx, key); ok {
			var docs []Document
			if err := json.Unmarshal(raw, &docs); err == nil {
				return docs
			}
		}
	}

	var resp struct {
		Data []struct {
			Document outlineDoc `json:"document"`
			outlineDoc
		} `json:"data"`
	}
	if err := c.call(ctx, "documents.search", map[string]any{"query": query, "limit": limit}, &resp); err != nil {
		c.logger.Warn("kb: search failed, returning no documents", "error", err)
		return nil
	}

	docs := make([]Document, 0, len(resp.Data))
	for _, item := range resp.Data {
		d := item.outlineDoc
		// Outline nests the document under "document" in search results;
		// older gateways return it flat.
		if item.Document.ID != "" {
			d = item.Document
		}
		docs = append(docs, c.toDocument(d))
	}

	if c.cache != nil && c.cacheTTL > 0 {
		if raw, err := json.Marshal(docs); err == nil {
			if err := c.cache.Set(ctx, key, raw, c.cacheTTL); err != nil {
				c.logger.Warn("kb: cache write failed", "error", err)
			}
		}
	}
	return docs
}

// Info fetches a single document.
func (c *Client) Info(ctx context.Context, id string) (Document, error) {
	if !c.Configured() {
		return Document{}, ErrNotConfigured
	}
	var resp struct {
		Data outlineDoc `json:"data"`
	}
	if err := c.call(ctx, "documents.info", map[string]any{"id": id}, &resp); err != nil {
		return Document{}, err
	}
	return c.toDocument(resp.Data), nil
}

// CreateDocument creates an unpublished draft, optionally in a collection.
func (c *Client) CreateDocument(ctx context.Context, title, text, collectionID string) (CreatedDocument, error) {
	if !c.Configured() {
		return CreatedDocument{}, ErrNotConfigured
	}
	payload := map[string]any{"title": title, "text": text, "publish": false}
	if collectionID != "" {
		payload["collectionId"] = collectionID
	}

	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	var resp struct {
		Data outlineDoc `json:"data"`
	}
	if err := c.call(ctx, "documents.create", payload, &resp); err != nil {
		return CreatedDocument{}, err
	}
	if resp.Data.ID == "" {
		return CreatedDocument{}, fmt.Errorf("kb: documents.create returned no id")
	}
	return CreatedDocument{ID: resp.Data.ID, URLID: resp.Data.URLID, URL: c.docURL(resp.Data.URLID)}, nil
}

// call POSTs to /api/{method} through the breaker and decodes the response.
func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("kb: marshal %s: %w", method, err)
	}
	raw, err := breaker.Do(c.cb, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+method, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("kb: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("kb: %s: %w", method, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("kb: read %s response: %w", method, err)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			// A missing document is not a dependency failure.
			return nil, nil
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, fmt.Errorf("kb: %s: status %d", method, resp.StatusCode)
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	if raw == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("kb: decode %s response: %w", method, err)
	}
	return nil
}
