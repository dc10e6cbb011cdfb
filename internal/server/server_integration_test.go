//go:build integration

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/ccss/internal/callback"
	"github.com/dyluth/ccss/internal/dispatch"
	"github.com/dyluth/ccss/internal/scheduler"
	"github.com/dyluth/ccss/pkg/critical"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedis starts a Redis container and returns its URL.
func startRedis(t *testing.T) string {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s", host, port.Port())
}

// generationService answers every job by posting css back to the job's response_url.
type generationService struct {
	mu   sync.Mutex
	jobs []critical.JobRequest
	css  string
}

func (g *generationService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var job critical.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	g.mu.Lock()
	g.jobs = append(g.jobs, job)
	css := g.css
	g.mu.Unlock()

	w.WriteHeader(http.StatusAccepted)

	go func() {
		body, _ := json.Marshal(map[string]interface{}{"input": job, "result": css})
		resp, err := http.Post(job.Args.Meta.ResponseURL, "application/json", bytes.NewReader(body))
		if err == nil {
			resp.Body.Close()
		}
	}()
}

func (g *generationService) Jobs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.jobs)
}

func TestIntegration_GenerationRoundTrip(t *testing.T) {
	redisURL := startRedis(t)
	ctx := context.Background()

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	store, err := critical.NewClient(opts, "integration")
	require.NoError(t, err)
	defer store.Close()

	pages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><h1>Story</h1></body></html>")
	}))
	defer pages.Close()

	service := &generationService{css: "h1{font-size:2rem}"}
	serviceSrv := httptest.NewServer(service)
	defer serviceSrv.Close()

	// The dispatcher needs the public URL before the handler exists
	var handler http.Handler
	ccss := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	defer ccss.Close()

	protocol := callback.NewProtocol(callback.NewRedisTokenStore(store, nil), store, callback.Options{
		Secret:    "integration-secret",
		Namespace: "integration",
	})
	dispatcher := dispatch.New(protocol, dispatch.Options{
		ServiceURL: serviceSrv.URL,
		Dimensions: []critical.Dimension{{Width: 1440, Height: 900}},
		PublicURL:  ccss.URL,
		Namespace:  "integration",
	})
	handler = New(store, protocol, dispatcher, Options{
		Rules:             func() (critical.RuleSet, error) { return testRules, nil },
		GenerationEnabled: true,
	}).Handler()

	save := func(rec critical.ObjectRecord) {
		body, err := json.Marshal(rec)
		require.NoError(t, err)
		resp, err := http.Post(ccss.URL+"/events/save", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()

		var got SaveEventResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		require.True(t, got.Dispatched)
	}

	lookup := func(kind, id string) (*LookupResponse, int) {
		resp, err := http.Get(ccss.URL + "/critical-css/" + kind + "/" + id)
		require.NoError(t, err)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, resp.StatusCode
		}
		var got LookupResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		return &got, resp.StatusCode
	}

	t.Run("individual post", func(t *testing.T) {
		save(critical.ObjectRecord{Kind: critical.KindPost, ID: "42", TypeName: "post", URL: pages.URL + "/story"})

		require.Eventually(t, func() bool {
			got, status := lookup("post", "42")
			return status == http.StatusOK && got.CSS == "h1{font-size:2rem}"
		}, 5*time.Second, 50*time.Millisecond)

		token := callback.TokenValue([]byte("integration-secret"), "post", "42")
		_, err := store.GetToken(ctx, token)
		assert.True(t, critical.IsNotFound(err), "token consumed by the callback")
	})

	t.Run("shared taxonomy and sweep", func(t *testing.T) {
		save(critical.ObjectRecord{Kind: critical.KindTerm, ID: "7", TypeName: "category", URL: pages.URL + "/news"})

		require.Eventually(t, func() bool {
			got, status := lookup("term", "7")
			return status == http.StatusOK && got.Target.Key == "taxonomy:category" && !got.Expired
		}, 5*time.Second, 50*time.Millisecond)

		before := service.Jobs()
		service.mu.Lock()
		service.css = "h1{font-size:3rem}"
		service.mu.Unlock()

		sched := scheduler.New(store, dispatcher, "integration", nil)
		report := sched.Sweep(ctx, testRules, time.Now().Add(25*time.Hour))
		require.Equal(t, 1, report.Count(scheduler.ActionDispatched))
		assert.Equal(t, before+1, service.Jobs())

		require.Eventually(t, func() bool {
			entry, err := store.GetShared(ctx, "taxonomy:category")
			return err == nil && entry.CSS == "h1{font-size:3rem}"
		}, 5*time.Second, 50*time.Millisecond)
	})
}
