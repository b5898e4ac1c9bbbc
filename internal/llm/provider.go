// Package llm is a provider-agnostic client for text completions with an
// optional inline document attachment.
package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Provider is the interface for AI completions.
type Provider interface {
	// Complete sends the request and returns the raw response text.
	Complete(ctx context.Context, req Request) (string, error)
	// Name returns a human-readable provider name (e.g., "google/gemini-2.5-flash").
	Name() string
}

// Request configures a single completion.
type Request struct {
	System      string
	Prompt      string
	Attachment  *Attachment
	MaxTokens   int
	Temperature float64
	Format      string // "json" asks the provider for JSON output where supported
}

// Attachment is a binary document sent inline with the prompt.
type Attachment struct {
	Filename string
	MIMEType string
	Data     []byte
}

// DataURL returns the attachment as a base64 data URL.
func (a *Attachment) DataURL() string {
	return "data:" + a.mimeType() + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// IsImage reports whether the attachment is an image type.
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.mimeType(), "image/")
}

func (a *Attachment) mimeType() string {
	if a.MIMEType == "" {
		return "application/octet-stream"
	}
	return a.MIMEType
}

// Config holds provider configuration.
type Config struct {
	Provider string // "openai", "openrouter", "google"
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

// NewProvider creates a provider from the given config.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s provider requires an API key", cfg.Provider)
	}
	client := &http.Client{Timeout: cfg.Timeout}

	switch strings.ToLower(cfg.Provider) {
	case "google":
		model := cfg.Model
		if model == "" {
			model = "gemini-2.5-flash"
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://generativelanguage.googleapis.com/v1beta"
		}
		return &googleProvider{apiKey: cfg.APIKey, model: model, baseURL: strings.TrimRight(baseURL, "/"), client: client}, nil

	case "openai", "openrouter":
		model := cfg.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
			if strings.EqualFold(cfg.Provider, "openrouter") {
				baseURL = "https://openrouter.ai/api/v1"
			}
		}
		return &openaiProvider{
			name:    strings.ToLower(cfg.Provider),
			apiKey:  cfg.APIKey,
			model:   model,
			baseURL: strings.TrimRight(baseURL, "/"),
			client:  client,
		}, nil

	default:
		return nil, fmt.Errorf("unknown AI provider: %q (supported: openai, openrouter, google)", cfg.Provider)
	}
}

// HTTPError is a non-2xx response from a provider.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether retrying later may succeed.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func newHTTPError(provider string, resp *http.Response, body []byte) *HTTPError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	herr := &HTTPError{Provider: provider, StatusCode: resp.StatusCode, Body: msg}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			herr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return herr
}
