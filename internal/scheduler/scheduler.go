// Package scheduler refreshes expired or missing shared critical CSS.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/dyluth/ccss/internal/dispatch"
	"github.com/dyluth/ccss/internal/rules"
	"github.com/dyluth/ccss/pkg/critical"
)

// Store is the read side the sweep needs.
type Store interface {
	GetShared(ctx context.Context, key string) (*critical.SharedEntry, error)
	Representative(ctx context.Context, kind critical.RuleKind, value string) (*critical.ObjectRecord, error)
}

// RuleSource returns the current rule configuration. It is called once per sweep.
type RuleSource func() (critical.RuleSet, error)

// Action is what a sweep did for one shared key.
type Action string

const (
	ActionFresh            Action = "fresh"
	ActionDispatched       Action = "dispatched"
	ActionNoRepresentative Action = "no_representative"
	ActionFailed           Action = "failed"
)

// Item is the sweep outcome for one shared key.
type Item struct {
	Key            string
	Action         Action
	Representative string // object ref, when one was found
	Err            error
}

// Report summarises one sweep.
type Report struct {
	Items []Item
}

// Count returns how many keys ended with action.
func (r *Report) Count(action Action) int {
	n := 0
	for _, item := range r.Items {
		if item.Action == action {
			n++
		}
	}
	return n
}

// Scheduler runs sweeps on demand or on a fixed interval.
type Scheduler struct {
	store      Store
	dispatcher dispatch.Dispatcher
	namespace  string
	now        func() time.Time

	running  atomic.Bool
	stopChan chan struct{}
	stopped  atomic.Bool
}

// New creates a Scheduler. now defaults to time.Now.
func New(store Store, dispatcher dispatch.Dispatcher, namespace string, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		namespace:  namespace,
		now:        now,
		stopChan:   make(chan struct{}),
	}
}

// Sweep checks every value of every shared rule in set. A key whose entry is
// absent or expired at now gets exactly one dispatch, for the most recently
// saved object matching its rule value. Keys without such an object are skipped.
//
// Per-key failures are recorded in the report and do not stop the sweep.
func (s *Scheduler) Sweep(ctx context.Context, set critical.RuleSet, now time.Time) *Report {
	report := &Report{}

	for _, target := range rules.SharedTargets(set) {
		if ctx.Err() != nil {
			break
		}
		report.Items = append(report.Items, s.sweepKey(ctx, target, now))
	}

	s.logEvent("sweep_completed", map[string]interface{}{
		"keys":              len(report.Items),
		"dispatched":        report.Count(ActionDispatched),
		"fresh":             report.Count(ActionFresh),
		"no_representative": report.Count(ActionNoRepresentative),
		"failed":            report.Count(ActionFailed),
	})
	return report
}

func (s *Scheduler) sweepKey(ctx context.Context, target critical.Target, now time.Time) Item {
	item := Item{Key: target.Key}

	entry, err := s.store.GetShared(ctx, target.Key)
	if err != nil && !critical.IsNotFound(err) {
		item.Action = ActionFailed
		item.Err = err
		log.Printf("[Scheduler] Failed to read shared entry %s: %v", target.Key, err)
		return item
	}
	if entry != nil && !entry.Expired(now) {
		item.Action = ActionFresh
		return item
	}

	rec, err := s.store.Representative(ctx, target.RuleKind, rules.ValueOf(target))
	if critical.IsNotFound(err) {
		item.Action = ActionNoRepresentative
		return item
	}
	if err != nil {
		item.Action = ActionFailed
		item.Err = err
		log.Printf("[Scheduler] Failed to pick representative for %s: %v", target.Key, err)
		return item
	}
	item.Representative = rec.Ref()

	obj, err := rec.Object()
	if err != nil {
		item.Action = ActionFailed
		item.Err = fmt.Errorf("invalid representative %s: %w", rec.Ref(), err)
		return item
	}

	if _, err := s.dispatcher.Dispatch(ctx, obj, target); err != nil {
		item.Action = ActionFailed
		item.Err = err
		return item
	}

	item.Action = ActionDispatched
	return item
}

// Start runs a sweep every interval until Stop is called or ctx is cancelled.
// Each sweep runs in its own goroutine; a tick that arrives while the previous
// sweep is still running is skipped.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, source RuleSource) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !s.running.CompareAndSwap(false, true) {
					log.Printf("[Scheduler] Skipping sweep - previous sweep still running")
					continue
				}
				go func() {
					defer s.running.Store(false)
					s.tick(ctx, source)
				}()
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			}
		}
	}()

	log.Printf("[Scheduler] Shared CSS sweep started (interval: %s)", interval)
}

// Stop stops the background loop. It is safe to call more than once.
func (s *Scheduler) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stopChan)
	}
}

func (s *Scheduler) tick(ctx context.Context, source RuleSource) {
	set, err := source()
	if err != nil {
		log.Printf("[Scheduler] Failed to load rules, skipping sweep: %v", err)
		return
	}

	s.Sweep(ctx, set, s.now())
}

// logEvent emits a structured JSON log line.
func (s *Scheduler) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "scheduler"
	data["event_type"] = eventType
	data["namespace"] = s.namespace

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Scheduler] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
