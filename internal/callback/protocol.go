// Package callback issues the tokens that bind a dispatched generation job to
// its result, and validates and applies the asynchronous callbacks that carry
// the result back.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dyluth/ccss/pkg/critical"
)

// Reason explains why a callback was rejected.
type Reason string

const (
	ReasonMalformed     Reason = "malformed"
	ReasonCSRFMismatch  Reason = "csrf_mismatch"
	ReasonEmptyResult   Reason = "empty_result"
	ReasonPersistFailed Reason = "persist_failed"
)

// Outcome is the result of validating and applying one callback.
type Outcome struct {
	Accepted bool
	Reason   Reason // empty when Accepted
	Message  string
	Target   critical.Target // zero when the callback was rejected before a write
	CSS      string
}

// StatusCode maps the outcome onto the HTTP status returned to the generation service.
func (o Outcome) StatusCode() int {
	if o.Accepted {
		return http.StatusOK
	}
	switch o.Reason {
	case ReasonCSRFMismatch:
		return http.StatusForbidden
	case ReasonPersistFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Store is the write side of the storage targets.
type Store interface {
	WriteObjectCSS(ctx context.Context, kind critical.ObjectKind, id, css string, at time.Time) error
	WriteShared(ctx context.Context, e *critical.SharedEntry) error
}

// Options configures a Protocol.
type Options struct {
	Secret           string
	TokenTTL         time.Duration
	SharedExpiration time.Duration
	Namespace        string // reported in log events
	Now              func() time.Time
}

// Protocol issues callback tokens and accepts callbacks.
type Protocol struct {
	tokens     TokenStore
	store      Store
	secret     []byte
	ttl        time.Duration
	expiration time.Duration
	namespace  string
	now        func() time.Time
}

// NewProtocol creates a Protocol over a token store and a storage writer.
func NewProtocol(tokens TokenStore, store Store, opts Options) *Protocol {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 1200 * time.Second
	}
	if opts.SharedExpiration <= 0 {
		opts.SharedExpiration = 1440 * time.Minute
	}
	return &Protocol{
		tokens:     tokens,
		store:      store,
		secret:     []byte(opts.Secret),
		ttl:        opts.TokenTTL,
		expiration: opts.SharedExpiration,
		namespace:  opts.Namespace,
		now:        opts.Now,
	}
}

// Issue creates the token for target and stores it, replacing any token
// previously issued for the same target.
func (p *Protocol) Issue(ctx context.Context, target critical.Target) (*critical.Token, error) {
	objectType := target.CorrelationType()
	objectID := target.CorrelationID()
	if objectType == "" || objectID == "" {
		return nil, fmt.Errorf("cannot issue token for incomplete target %s", target)
	}

	tok := &critical.Token{
		Value:      TokenValue(p.secret, objectType, objectID),
		ObjectType: objectType,
		ObjectID:   objectID,
		ExpiresAt:  p.now().Add(p.ttl),
	}
	if err := p.tokens.Put(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to store token for %s: %w", target, err)
	}
	return tok, nil
}

type callbackMeta struct {
	CSRF       string `json:"csrf"`
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
}

type callbackInput struct {
	Args struct {
		Meta callbackMeta `json:"meta"`
	} `json:"args"`
}

// Accept validates a callback body and, when it is valid, writes the result to
// the storage target in scope. Both callback endpoints share this validation.
//
// A token is checked only when the metadata carries csrf, object_type and
// object_id. It is taken out of the store just before the write, so it is
// consumed whether or not the write succeeds, and of several concurrent
// callbacks carrying it at most one is accepted.
func (p *Protocol) Accept(ctx context.Context, scope critical.TargetScope, body []byte) Outcome {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return p.reject(ReasonMalformed, "There was an error parsing the request body", callbackMeta{})
	}

	var input callbackInput
	if raw, ok := fields["input"]; ok {
		if err := json.Unmarshal(raw, &input); err != nil {
			return p.reject(ReasonMalformed, "Callback metadata is not valid", callbackMeta{})
		}
	}
	meta := input.Args.Meta

	rawResult, ok := fields["result"]
	if !ok {
		return p.reject(ReasonMalformed, "The request body has no result field", meta)
	}

	checked := meta.CSRF != "" && meta.ObjectType != "" && meta.ObjectID != ""
	if checked {
		if outcome, ok := p.checkToken(ctx, meta); !ok {
			return outcome
		}
	}

	if string(rawResult) == "null" {
		return p.reject(ReasonEmptyResult, "There was no critical css in the request", meta)
	}
	var css string
	if err := json.Unmarshal(rawResult, &css); err != nil {
		return p.reject(ReasonMalformed, "The result field must be a string", meta)
	}

	if meta.CSRF != "" {
		if outcome, ok := p.consumeToken(ctx, meta, checked); !ok {
			return outcome
		}
	}

	target, writeErr := p.write(ctx, scope, meta, css)

	if writeErr != nil {
		log.Printf("[Callback] Failed to persist critical CSS for %s/%s: %v", meta.ObjectType, meta.ObjectID, writeErr)
		return p.reject(ReasonPersistFailed, fmt.Sprintf("There was an error updating the %s critical css", meta.ObjectType), meta)
	}

	p.logEvent("callback_accepted", map[string]interface{}{
		"target":    target.String(),
		"css_bytes": len(css),
	})
	return Outcome{Accepted: true, Target: target, CSS: css}
}

func (p *Protocol) checkToken(ctx context.Context, meta callbackMeta) (Outcome, bool) {
	tok, err := p.tokens.Get(ctx, meta.CSRF)
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		log.Printf("[Callback] Token lookup failed for %s/%s: %v", meta.ObjectType, meta.ObjectID, err)
		return p.reject(ReasonPersistFailed, "The token store is unavailable", meta), false
	}

	if tok == nil || !tok.Matches(meta.ObjectType, meta.ObjectID) || !p.now().Before(tok.ExpiresAt) {
		return p.reject(ReasonCSRFMismatch, "CSRF Token failure.", meta), false
	}
	return Outcome{}, true
}

// consumeToken takes the token out of the store before the write. When the
// token was checked, losing it to a concurrent callback is a mismatch.
func (p *Protocol) consumeToken(ctx context.Context, meta callbackMeta, checked bool) (Outcome, bool) {
	tok, err := p.tokens.Take(ctx, meta.CSRF)
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		log.Printf("[Callback] Failed to consume token for %s/%s: %v", meta.ObjectType, meta.ObjectID, err)
		return p.reject(ReasonPersistFailed, "The token store is unavailable", meta), false
	}

	if checked && (tok == nil || !tok.Matches(meta.ObjectType, meta.ObjectID)) {
		return p.reject(ReasonCSRFMismatch, "CSRF Token failure.", meta), false
	}
	return Outcome{}, true
}

func (p *Protocol) write(ctx context.Context, scope critical.TargetScope, meta callbackMeta, css string) (critical.Target, error) {
	now := p.now()

	switch scope {
	case critical.ScopeObject:
		kind := critical.ObjectKind(meta.ObjectType)
		if err := kind.Validate(); err != nil {
			return critical.Target{}, err
		}
		target := critical.ObjectField(kind, meta.ObjectID)
		return target, p.store.WriteObjectCSS(ctx, kind, meta.ObjectID, css, now)

	case critical.ScopeShared:
		target := critical.Target{
			Scope:    critical.ScopeShared,
			RuleKind: critical.RuleKind(meta.ObjectType),
			Key:      meta.ObjectID,
		}
		return target, p.store.WriteShared(ctx, &critical.SharedEntry{
			Key:       meta.ObjectID,
			CSS:       css,
			ExpiresAt: now.Add(p.expiration),
			UpdatedAt: now,
		})

	default:
		return critical.Target{}, fmt.Errorf("unknown target scope %q", scope)
	}
}

func (p *Protocol) reject(reason Reason, message string, meta callbackMeta) Outcome {
	p.logEvent("callback_rejected", map[string]interface{}{
		"reason":      string(reason),
		"object_type": meta.ObjectType,
		"object_id":   meta.ObjectID,
	})
	return Outcome{Reason: reason, Message: message}
}

// logEvent emits a structured JSON log line.
func (p *Protocol) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "callback"
	data["event_type"] = eventType
	data["namespace"] = p.namespace

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Callback] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
