package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/dyluth/ccss/internal/deferral"
	"github.com/dyluth/ccss/internal/rules"
	"github.com/dyluth/ccss/pkg/critical"
)

// handleCallback serves both callback endpoints. They differ only in the
// storage scope the result is written to.
func (s *Server) handleCallback(scope critical.TargetScope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "There was an error reading the request body")
			return
		}

		outcome := s.acceptor.Accept(r.Context(), scope, body)
		if !outcome.Accepted {
			if outcome.StatusCode() == http.StatusForbidden {
				log.Printf("[Server] Rejected %s callback from %s: %s", scope, r.RemoteAddr, outcome.Reason)
			}
			writeError(w, outcome.StatusCode(), outcome.Message)
			return
		}

		writeJSON(w, http.StatusOK, APIResponse{Result: "success"})
	}
}

// SaveEventResponse is returned for a save event whose object matched a rule.
type SaveEventResponse struct {
	Result     string          `json:"result"`
	Target     critical.Target `json:"target"`
	Dispatched bool            `json:"dispatched"`
}

// handleSaveEvent records a saved post or term in the content catalog and,
// when a rule matches and generation is enabled, dispatches a job for it.
// Dispatch failures are logged and never reach the content author.
func (s *Server) handleSaveEvent(w http.ResponseWriter, r *http.Request) {
	var rec critical.ObjectRecord
	if err := decodeJSON(w, r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	obj, err := rec.Object()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.SaveObject(r.Context(), rec, s.opts.Now()); err != nil {
		log.Printf("[Server] Failed to record %s: %v", rec.Ref(), err)
		writeError(w, http.StatusInternalServerError, "There was an error recording the object")
		return
	}

	set, err := s.opts.Rules()
	if err != nil {
		log.Printf("[Server] Failed to load rules: %v", err)
		writeError(w, http.StatusInternalServerError, "Rules are unavailable")
		return
	}

	target, ok := rules.Resolve(obj, set)
	if !ok {
		writeJSON(w, http.StatusOK, APIResponse{Result: "skipped", Message: "no rule matches " + rec.Ref()})
		return
	}

	dispatched := false
	if s.opts.GenerationEnabled && s.dispatcher != nil {
		if _, err := s.dispatcher.Dispatch(r.Context(), obj, target); err == nil {
			dispatched = true
		}
	}

	writeJSON(w, http.StatusAccepted, SaveEventResponse{Result: "accepted", Target: target, Dispatched: dispatched})
}

// LookupResponse carries the critical CSS that applies to an object.
type LookupResponse struct {
	Target   critical.Target `json:"target"`
	CSS      string          `json:"css"`
	StyleTag string          `json:"style_tag"`
	Expired  bool            `json:"expired"`
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	kind := critical.ObjectKind(r.PathValue("kind"))
	if err := kind.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	found, err := s.lookup(r.Context(), kind, r.PathValue("id"))
	if err != nil {
		log.Printf("[Server] Lookup failed for %s/%s: %v", kind, r.PathValue("id"), err)
		writeError(w, http.StatusInternalServerError, "There was an error reading critical css")
		return
	}
	if found == nil {
		writeError(w, http.StatusNotFound, "No critical css is stored for this object")
		return
	}

	writeJSON(w, http.StatusOK, found)
}

// DeferRequest asks for the stylesheet tags of one rendered object to be rewritten.
type DeferRequest struct {
	Kind critical.ObjectKind `json:"kind"`
	ID   string              `json:"id"`
	Tags []deferral.Tag      `json:"tags"`
}

// DeferResponse holds the rewritten tags in request order.
type DeferResponse struct {
	HasCriticalCSS bool     `json:"has_critical_css"`
	Tags           []string `json:"tags"`
}

func (s *Server) handleDefer(w http.ResponseWriter, r *http.Request) {
	var req DeferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Kind.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hasCSS := false
	if s.opts.DeferralEnabled {
		found, err := s.lookup(r.Context(), req.Kind, req.ID)
		if err != nil {
			// Serve the tags unchanged; a page must still render
			log.Printf("[Server] Lookup failed for %s/%s: %v", req.Kind, req.ID, err)
		}
		hasCSS = found != nil
	}

	resp := DeferResponse{HasCriticalCSS: hasCSS, Tags: make([]string, 0, len(req.Tags))}
	for _, tag := range req.Tags {
		resp.Tags = append(resp.Tags, deferral.RewriteTag(tag, hasCSS, s.opts.DeferralExceptions))
	}
	writeJSON(w, http.StatusOK, resp)
}

// lookup resolves a catalogued object and reads the critical CSS of its
// target. It returns nil when the object is unknown, matches no rule, or has
// nothing stored. Expired shared entries are still returned; reads never
// refresh an expiration.
func (s *Server) lookup(ctx context.Context, kind critical.ObjectKind, id string) (*LookupResponse, error) {
	rec, err := s.store.GetObject(ctx, kind, id)
	if critical.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	obj, err := rec.Object()
	if err != nil {
		return nil, err
	}

	set, err := s.opts.Rules()
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	target, ok := rules.Resolve(obj, set)
	if !ok {
		return nil, nil
	}

	resp := &LookupResponse{Target: target}
	switch target.Scope {
	case critical.ScopeShared:
		entry, err := s.store.GetShared(ctx, target.Key)
		if critical.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		resp.CSS = entry.CSS
		resp.Expired = entry.Expired(s.opts.Now())
	default:
		css, err := s.store.ObjectCSS(ctx, target.ObjectKind, target.ObjectID)
		if critical.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		resp.CSS = css
	}

	if resp.CSS == "" {
		return nil, nil
	}
	resp.StyleTag = `<style id="critical-css">` + resp.CSS + `</style>`
	return resp, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body too large")
		}
		return fmt.Errorf("failed to parse request body: %v", err)
	}
	return nil
}
