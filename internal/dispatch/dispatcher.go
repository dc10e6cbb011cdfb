// Package dispatch builds critical CSS generation jobs and sends them to the
// external generation service.
//
// A dispatch fetches the rendered page, obtains a callback token for the
// target, and posts exactly one job. Nothing is retried: a failed dispatch is
// logged and reported to the caller, and the next save event or sweep tries again.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dyluth/ccss/pkg/critical"
	"github.com/google/uuid"
)

var (
	// ErrNoURL is returned when the object has no renderable URL.
	ErrNoURL = errors.New("object has no url")

	// ErrFetch is returned when the rendered page could not be fetched.
	ErrFetch = errors.New("failed to fetch page")

	// ErrServiceStatus is returned when the generation service answers with a non-success status.
	ErrServiceStatus = errors.New("generation service rejected job")
)

// Dispatcher sends one generation job for an object and its resolved target.
type Dispatcher interface {
	Dispatch(ctx context.Context, obj critical.Object, target critical.Target) (*Result, error)
}

// TokenIssuer issues the callback token embedded in a job.
type TokenIssuer interface {
	Issue(ctx context.Context, target critical.Target) (*critical.Token, error)
}

// Result describes a job accepted by the generation service.
type Result struct {
	JobID       string
	Target      critical.Target
	URL         string
	HTMLInlined bool
	StatusCode  int
}

// Options configures an HTTPDispatcher.
type Options struct {
	ServiceURL   string
	APIKey       string
	APIKeyHeader string
	FetchTimeout time.Duration
	PostTimeout  time.Duration
	MaxHTMLBytes int
	Dimensions   []critical.Dimension
	Exclude      []string
	PublicURL    string // base URL the service calls back on
	Namespace    string // reported in log events

	// HTTPClient is used for both the page fetch and the job post. Defaults to
	// a client without a global timeout; the fetch is bounded by FetchTimeout
	// and the post by PostTimeout.
	HTTPClient *http.Client
}

// HTTPDispatcher posts jobs to the generation service over HTTP.
type HTTPDispatcher struct {
	issuer TokenIssuer
	opts   Options
	client *http.Client
}

// New creates an HTTPDispatcher.
func New(issuer TokenIssuer, opts Options) *HTTPDispatcher {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.PostTimeout <= 0 {
		opts.PostTimeout = 15 * time.Second
	}
	if opts.MaxHTMLBytes <= 0 {
		opts.MaxHTMLBytes = 64000
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-Api-Key"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPDispatcher{issuer: issuer, opts: opts, client: client}
}

// Dispatch fetches obj's page and posts a job for target.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, obj critical.Object, target critical.Target) (*Result, error) {
	jobID := uuid.New().String()

	pageURL := obj.URL()
	if pageURL == "" {
		d.fail(jobID, target, "", ErrNoURL)
		return nil, fmt.Errorf("dispatch %s: %w", target, ErrNoURL)
	}

	html, err := d.fetch(ctx, pageURL)
	if err != nil {
		d.fail(jobID, target, pageURL, err)
		return nil, fmt.Errorf("dispatch %s: %w", target, err)
	}

	tok, err := d.issuer.Issue(ctx, target)
	if err != nil {
		d.fail(jobID, target, pageURL, err)
		return nil, fmt.Errorf("dispatch %s: %w", target, err)
	}

	job := BuildJob(html, pageURL, d.opts.MaxHTMLBytes, d.opts.Dimensions, d.opts.Exclude, critical.JobMeta{
		ResponseURL: ResponseURL(d.opts.PublicURL, target.Scope),
		ObjectType:  tok.ObjectType,
		ObjectID:    tok.ObjectID,
		CSRF:        tok.Value,
		JobID:       jobID,
	})

	status, err := d.post(ctx, job)
	if err != nil {
		d.fail(jobID, target, pageURL, err)
		return nil, fmt.Errorf("dispatch %s: %w", target, err)
	}

	result := &Result{
		JobID:       jobID,
		Target:      target,
		URL:         pageURL,
		HTMLInlined: job.Args.HTML != nil,
		StatusCode:  status,
	}
	d.logEvent("job_dispatched", map[string]interface{}{
		"job_id":       jobID,
		"target":       target.String(),
		"url":          pageURL,
		"html_inlined": result.HTMLInlined,
		"status":       status,
	})
	return result, nil
}

// BuildJob assembles the job payload. The page body is inlined only when it is
// smaller than maxHTML bytes; the url is always sent. An empty exclude list is
// omitted from the payload.
func BuildJob(html []byte, pageURL string, maxHTML int, dims []critical.Dimension, exclude []string, meta critical.JobMeta) critical.JobRequest {
	var inline *string
	if len(html) < maxHTML {
		s := string(html)
		inline = &s
	}

	var excluded []string
	for _, sel := range exclude {
		if sel = strings.TrimSpace(sel); sel != "" {
			excluded = append(excluded, sel)
		}
	}

	return critical.JobRequest{Args: critical.JobArgs{
		Dimensions: dims,
		HTML:       inline,
		URL:        pageURL,
		Exclude:    excluded,
		Meta:       meta,
	}}
}

// ResponseURL is the callback endpoint for a target scope under publicURL.
// It is empty when no public URL is configured.
func ResponseURL(publicURL string, scope critical.TargetScope) string {
	if publicURL == "" {
		return ""
	}
	base := strings.TrimRight(publicURL, "/")
	if scope == critical.ScopeShared {
		return base + "/update/shared"
	}
	return base + "/update/single"
}

// fetch reads the rendered page, bounded by the fetch timeout. At most
// MaxHTMLBytes are read: anything that long is not inlined anyway.
func (d *HTTPDispatcher) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrFetch, pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(d.opts.MaxHTMLBytes)))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrFetch, pageURL, err)
	}
	return body, nil
}

// post sends the job as JSON and returns the service's status code, bounded
// by the post timeout.
func (d *HTTPDispatcher) post(ctx context.Context, job critical.JobRequest) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.PostTimeout)
	defer cancel()

	body, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.opts.ServiceURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.opts.APIKey != "" {
		req.Header.Set(d.opts.APIKeyHeader, d.opts.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to post job: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("%w: status %d", ErrServiceStatus, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *HTTPDispatcher) fail(jobID string, target critical.Target, pageURL string, err error) {
	log.Printf("[Dispatch] Failed to dispatch %s: %v", target, err)
	d.logEvent("job_failed", map[string]interface{}{
		"job_id": jobID,
		"target": target.String(),
		"url":    pageURL,
		"error":  err.Error(),
	})
}

// logEvent emits a structured JSON log line.
func (d *HTTPDispatcher) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "dispatch"
	data["event_type"] = eventType
	data["namespace"] = d.opts.Namespace

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Dispatch] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
