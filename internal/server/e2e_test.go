package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"eventlake/internal/api"
	"eventlake/internal/catalog"
	"eventlake/internal/search"
	"eventlake/internal/worker"
)

type searchResponse struct {
	Search struct {
		Total int64 `json:"total"`
		Hits  []struct {
			ID     string         `json:"id"`
			Source map[string]any `json:"source"`
		} `json:"hits"`
	} `json:"search"`
}

type termsResponse struct {
	Terms struct {
		Buckets []struct {
			Key   string `json:"key"`
			Count int64  `json:"count"`
		} `json:"buckets"`
	} `json:"terms"`
}

// TestEndToEnd drives test-collection from ingestion through the indexing
// worker to scoped queries and batch deletion.
func TestEndToEnd(t *testing.T) {
	e := newEnv(t)
	coll := e.provision(t, "test-collection")
	key := e.seedScoped(t, "read", "alice")

	w := worker.New(worker.Config{
		Subscriber:    e.broker,
		Subscription:  indexerSub,
		Index:         e.index,
		IndexPrefix:   indexPrefix,
		Collections:   e.store,
		Batches:       e.store,
		MaxBuffered:   100,
		FlushInterval: 20 * time.Millisecond,
		Refresh:       true,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("worker Run: %v", err)
		}
	})

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	evs := make([]map[string]any, 10)
	for i := range evs {
		owner := "bob"
		if i < 6 {
			owner = "alice"
		}
		status := "ok"
		if i%3 == 0 {
			status = "error"
		}
		evs[i] = map[string]any{
			"id":         fmt.Sprintf("evt-%d", i),
			"occurredAt": at.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			"ts":         at.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			"env":        "prod",
			"owner":      owner,
			"status":     status,
			"secret":     "s3cr3t",
		}
	}
	code, body := e.call(t, http.MethodPost, "/events", map[string]any{"collection": "test-collection", "events": evs})
	if code != http.StatusAccepted {
		t.Fatalf("POST /events: %d %s", code, body)
	}
	batch := decodeAs[catalog.Batch](t, body)

	index := search.IndexName(indexPrefix, coll.ID.String())
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := e.index.Count(context.Background(), index, search.Query{})
		if err == nil && n == 10 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for indexing: %d, %v", n, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Re-ingesting the same ids overwrites instead of duplicating.
	if code, body := e.call(t, http.MethodPost, "/events", map[string]any{"collection": "test-collection", "events": evs[:3]}); code != http.StatusAccepted {
		t.Fatalf("re-ingest: %d %s", code, body)
	}
	for w.Stats().Indexed < 13 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for re-indexing: %+v", w.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n, _ := e.index.Count(context.Background(), index, search.Query{}); n != 10 {
		t.Errorf("after re-ingest: expected 10 documents, got %d", n)
	}

	code, body = e.callKey(t, key, http.MethodPost, "/query/search", map[string]any{
		"collection": "test-collection",
		"filter":     map[string]any{"size": 100},
	})
	if code != http.StatusOK {
		t.Fatalf("scoped search: %d %s", code, body)
	}
	sr := decodeAs[searchResponse](t, body)
	if sr.Search.Total != 6 || len(sr.Search.Hits) != 6 {
		t.Fatalf("scoped search: expected 6 hits, got total=%d hits=%d", sr.Search.Total, len(sr.Search.Hits))
	}
	for _, h := range sr.Search.Hits {
		if h.Source["owner"] != "alice" {
			t.Errorf("hit %s: owner %v leaked through scope", h.ID, h.Source["owner"])
		}
		if _, ok := h.Source["secret"]; ok {
			t.Errorf("hit %s: excluded field present", h.ID)
		}
		if _, ok := h.Source["@envelope"]; !ok {
			t.Errorf("hit %s: missing envelope", h.ID)
		}
	}

	code, body = e.call(t, http.MethodPost, "/query/terms", map[string]any{
		"collection":  "test-collection",
		"aggregation": map[string]any{"field": "status"},
	})
	if code != http.StatusOK {
		t.Fatalf("terms: %d %s", code, body)
	}
	tr := decodeAs[termsResponse](t, body)
	if len(tr.Terms.Buckets) != 2 || tr.Terms.Buckets[0].Key != "ok" || tr.Terms.Buckets[0].Count != 6 || tr.Terms.Buckets[1].Count != 4 {
		t.Errorf("terms buckets: got %+v", tr.Terms.Buckets)
	}

	code, body = e.call(t, http.MethodDelete, "/batches/"+batch.ID.String()+"?hard=true", nil)
	if code != http.StatusOK {
		t.Fatalf("delete batch: %d %s", code, body)
	}
	if got := decodeAs[api.DeletedBatch](t, body); got.DeletedDocuments != 7 {
		t.Errorf("deleted documents: expected 7, got %d", got.DeletedDocuments)
	}
}
