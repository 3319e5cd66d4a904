package meili

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// ErrIndexNotFound is returned by GetIndex and GetDocument when the target
// does not exist.
var ErrIndexNotFound = errors.New("meili: index not found")

// ErrDocumentNotFound is returned by GetDocument for an absent document id.
var ErrDocumentNotFound = errors.New("meili: document not found")

type Client struct {
	host string
	key  string
	http *retryablehttp.Client
}

func NewClient(host, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.RetryMax = 4
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		host: strings.TrimRight(host, "/"),
		key:  apiKey,
		http: rc,
	}
}

func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "available" {
		return fmt.Errorf("meili health status %q", out.Status)
	}
	return nil
}

// GetIndex probes for an index. Returns ErrIndexNotFound when absent.
func (c *Client) GetIndex(ctx context.Context, uid string) (*IndexInfo, error) {
	var info IndexInfo
	err := c.do(ctx, http.MethodGet, "/indexes/"+url.PathEscape(uid), nil, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) CreateIndex(ctx context.Context, uid, primaryKey string) error {
	body := map[string]string{"uid": uid, "primaryKey": primaryKey}
	return c.do(ctx, http.MethodPost, "/indexes", body, nil)
}

func (c *Client) UpdateSettings(ctx context.Context, uid string, s Settings) error {
	return c.do(ctx, http.MethodPatch, "/indexes/"+url.PathEscape(uid)+"/settings", s, nil)
}

// AddDocuments adds or replaces whole documents keyed by the index primary key.
func (c *Client) AddDocuments(ctx context.Context, uid string, docs any) error {
	return c.do(ctx, http.MethodPost, "/indexes/"+url.PathEscape(uid)+"/documents", docs, nil)
}

// UpdateDocuments partially updates documents; absent ids are created, so the
// call doubles as an upsert.
func (c *Client) UpdateDocuments(ctx context.Context, uid string, docs any) error {
	return c.do(ctx, http.MethodPut, "/indexes/"+url.PathEscape(uid)+"/documents", docs, nil)
}

// DeleteDocument removes one document. Meilisearch acknowledges deletes of
// absent ids with a task, so the operation is a no-op rather than an error.
func (c *Client) DeleteDocument(ctx context.Context, uid, id string) error {
	return c.do(ctx, http.MethodDelete, "/indexes/"+url.PathEscape(uid)+"/documents/"+url.PathEscape(id), nil, nil)
}

func (c *Client) GetDocument(ctx context.Context, uid, id string, out any) error {
	return c.do(ctx, http.MethodGet, "/indexes/"+url.PathEscape(uid)+"/documents/"+url.PathEscape(id), nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("meili %s %s: encode: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.host+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("accept", "application/json")
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusNotFound {
			if strings.Contains(path, "/documents/") {
				return ErrDocumentNotFound
			}
			return ErrIndexNotFound
		}
		var ae apiError
		_ = json.NewDecoder(resp.Body).Decode(&ae)
		return fmt.Errorf("meili %s %s: %d %s: %s", method, path, resp.StatusCode, ae.Code, ae.Message)
	}
	if out == nil {
		// Writes come back as an async task envelope; surface the uid for
		// tracing but do not poll it.
		var tk task
		if err := json.NewDecoder(resp.Body).Decode(&tk); err == nil && tk.TaskUID > 0 {
			log.Debug().Int64("task", tk.TaskUID).Str("type", tk.Type).Msg("meili task enqueued")
		}
		return nil
	}
	b, err := readAllLimit(resp.Body, 16<<20)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func readAllLimit(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, errors.New("meili: payload too large")
	}
	return b, nil
}
