package classifier

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"doc-intake-go/internal/extraction"
	"doc-intake-go/internal/llm"
	"doc-intake-go/internal/metrics"
	"doc-intake-go/internal/model"
)

// StrategyAICall marks an attempt where the provider call itself failed
const StrategyAICall = model.AttemptStrategyAICall

// maxInlineText bounds text attachments pasted into the prompt.
const maxInlineText = 200_000

const systemPrompt = `You extract structured data from business documents received by e-mail.
Respond with a single JSON object and nothing else.

Set "document_type" to one of: "invoice", "job_card", "unknown".

For an invoice include:
  "supplier_name", "customer_name", "invoice_number", "invoice_date" (YYYY-MM-DD), "currency",
  "total_amount" (number), "installation_required" (boolean), "installation_address",
  "requested_date", and "line_items": an array of objects with
  "product_code", "description", "quantity", "unit_price", "total_amount".

For a job card include:
  "serial_number", "asset_tag", "customer_name", "technician_name", "work_description",
  "service_date" (YYYY-MM-DD).

Copy codes and descriptions exactly as printed. Use null for fields that are not present.`

// AttemptStore persists extraction attempts
type AttemptStore interface {
	AppendAttempts(ctx context.Context, documentID string, attempts []model.ExtractionAttempt) error
}

// Outcome is either *Extracted or *Failed
type Outcome interface {
	RawResponse() string
}

// Extracted is a response that parsed and passed shape validation
type Extracted struct {
	Classification model.Classification
	Payload        map[string]interface{}
	Strategy       extraction.Strategy
	Raw            string
}

func (e *Extracted) RawResponse() string { return e.Raw }

// Failed is an AI call error, unparseable response or invalid shape
type Failed struct {
	Reason string
	Raw    string
}

func (f *Failed) RawResponse() string { return f.Raw }

// Options tunes the classifier
type Options struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxTokens         int
}

// Classifier sends documents to the AI provider and extracts structured fields
type Classifier struct {
	provider llm.Provider
	store    AttemptStore
	limiter  *rate.Limiter
	opts     Options
	metrics  *metrics.Metrics
}

// New creates a new Classifier
func New(provider llm.Provider, store AttemptStore, m *metrics.Metrics, opts Options) *Classifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Classifier{
		provider: provider,
		store:    store,
		limiter:  rate.NewLimiter(limit, burst),
		opts:     opts,
		metrics:  m,
	}
}

// ClassifyAndExtract asks the provider for the document's type and fields and
// records every attempt. The returned error is set only when the attempts
// could not be stored; all extraction problems are reported as *Failed.
func (c *Classifier) ClassifyAndExtract(ctx context.Context, doc *model.InboundDocument, content []byte) (Outcome, error) {
	log := logrus.WithFields(logrus.Fields{"document_id": doc.ID, "filename": doc.Filename})

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()
	raw, err := c.provider.Complete(callCtx, buildRequest(doc, content, c.opts.MaxTokens))
	c.metrics.AICallDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.WithError(err).Warn("AI call failed")
		c.metrics.ExtractionAttempts.WithLabelValues(StrategyAICall, "failed").Inc()
		attempt := model.ExtractionAttempt{StrategyUsed: StrategyAICall, ErrorDetail: err.Error()}
		if storeErr := c.store.AppendAttempts(ctx, doc.ID, []model.ExtractionAttempt{attempt}); storeErr != nil {
			return nil, fmt.Errorf("failed to record attempt: %w", storeErr)
		}
		return &Failed{Reason: fmt.Sprintf("AI call failed: %v", err)}, nil
	}

	result := extraction.Extract(raw)
	attempts := toAttempts(result.AttemptLog(), raw)

	var outcome Outcome
	switch r := result.(type) {
	case *extraction.Success:
		classification, shapeErr := validateShape(r.Payload)
		if shapeErr != nil {
			// The JSON parsed but is not usable; the last attempt carries the reason.
			last := &attempts[len(attempts)-1]
			last.Succeeded = false
			last.ErrorDetail = shapeErr.Error()
			outcome = &Failed{Reason: shapeErr.Error(), Raw: raw}
		} else {
			outcome = &Extracted{Classification: classification, Payload: r.Payload, Strategy: r.Strategy, Raw: raw}
		}
	case *extraction.Failure:
		outcome = &Failed{Reason: r.Reason, Raw: raw}
	default:
		outcome = &Failed{Reason: fmt.Sprintf("unexpected extraction result %T", result), Raw: raw}
	}

	for _, a := range attempts {
		label := "failed"
		if a.Succeeded {
			label = "succeeded"
		}
		c.metrics.ExtractionAttempts.WithLabelValues(a.StrategyUsed, label).Inc()
	}

	if err := c.store.AppendAttempts(ctx, doc.ID, attempts); err != nil {
		return nil, fmt.Errorf("failed to record attempts: %w", err)
	}

	if f, ok := outcome.(*Failed); ok {
		log.WithField("reason", f.Reason).Warn("Extraction failed")
	} else {
		e := outcome.(*Extracted)
		log.WithFields(logrus.Fields{"classification": e.Classification, "strategy": e.Strategy}).Info("Document extracted")
	}
	return outcome, nil
}

func toAttempts(log []extraction.Attempt, raw string) []model.ExtractionAttempt {
	attempts := make([]model.ExtractionAttempt, 0, len(log))
	for _, a := range log {
		snapshot := a.Candidate
		if snapshot == "" {
			snapshot = raw
		}
		attempts = append(attempts, model.ExtractionAttempt{
			StrategyUsed:        string(a.Strategy),
			RawResponseSnapshot: snapshot,
			Succeeded:           a.Succeeded,
			ErrorDetail:         a.Detail,
		})
	}
	return attempts
}

func buildRequest(doc *model.InboundDocument, content []byte, maxTokens int) llm.Request {
	mimeType := contentType(doc)
	prompt := fmt.Sprintf("Extract the document attached to an e-mail from %s with subject %q. File name: %s.",
		doc.SenderEmail, doc.Subject, doc.Filename)

	req := llm.Request{
		System:      systemPrompt,
		MaxTokens:   maxTokens,
		Temperature: 0,
		Format:      "json",
	}

	if isText(mimeType) && utf8.Valid(content) {
		text := content
		if len(text) > maxInlineText {
			cut := maxInlineText
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut]
		}
		req.Prompt = prompt + "\n\nDocument content:\n" + string(text)
		return req
	}

	req.Prompt = prompt
	req.Attachment = &llm.Attachment{Filename: doc.Filename, MIMEType: mimeType, Data: content}
	return req
}

func contentType(doc *model.InboundDocument) string {
	ct := strings.TrimSpace(doc.ContentType)
	if ct != "" && ct != "application/octet-stream" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			return mt
		}
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(doc.Filename))); byExt != "" {
		if mt, _, err := mime.ParseMediaType(byExt); err == nil {
			return mt
		}
	}
	return "application/octet-stream"
}

func isText(mimeType string) bool {
	switch mimeType {
	case "application/json", "application/xml", "text/xml", "text/csv":
		return true
	}
	return strings.HasPrefix(mimeType, "text/")
}
