package formqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldworks/go-formsync/formsync"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(v any) *http.Response {
	b, err := json.Marshal(v)
	if err != nil {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(bytes.NewReader([]byte(err.Error()))),
			Header:     make(http.Header),
		}
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(b)),
		Header:     h,
	}
}

func newTestClient(t *testing.T, transport roundTripFunc) *Client {
	t.Helper()
	token := func(ctx context.Context) (string, error) { return "token", nil }
	client, err := NewClient(NewMemoryStorage(), "http://example.com", token, nil, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if transport != nil {
		client.HTTP = &http.Client{Transport: transport}
	}
	return client
}

func notFound(r *http.Request) *http.Response {
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(bytes.NewReader([]byte("not found"))),
		Header:     make(http.Header),
		Request:    r,
	}
}

// decodeSyncRequest reads a captured /sync/offline request body.
func decodeSyncRequest(t *testing.T, r *http.Request) formsync.SyncUploadRequest {
	t.Helper()
	var req formsync.SyncUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Fatalf("decode sync request: %v", err)
	}
	return req
}

func TestProcessQueueDrainsInOrder(t *testing.T) {
	var uploaded []string
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.Method != "POST" || r.URL.Path != "/sync/offline" {
			return nil, fmt.Errorf("unexpected request: %s %s", r.Method, r.URL.String())
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			return nil, fmt.Errorf("missing bearer token")
		}
		req := decodeSyncRequest(t, r)
		for _, item := range req.Items {
			uploaded = append(uploaded, item.ID)
		}
		return jsonResponse(formsync.SyncUploadResponse{Success: true, Applied: len(req.Items)}), nil
	})

	client.Monitor.SetOnline(false)
	var enqueued []string
	for i := 0; i < 3; i++ {
		res, err := client.SubmitResponse(context.Background(), responsePayload("form-1"))
		require.NoError(t, err)
		require.True(t, res.Queued)
		enqueued = append(enqueued, res.ItemID)
	}
	client.Monitor.SetOnline(true)

	require.NoError(t, client.ProcessQueue(context.Background()))
	require.Equal(t, enqueued, uploaded, "items must upload in enqueue order")
	require.Equal(t, 0, client.Store.Len())

	status := client.Status()
	require.Equal(t, 0, status.PendingCount)
	require.Equal(t, 0, status.FailedCount)
	require.False(t, status.LastSyncTime.IsZero())
}

func TestProcessQueueKeepsTransientFailuresUntouched(t *testing.T) {
	var failID string
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/sync/offline" {
			return notFound(r), nil
		}
		req := decodeSyncRequest(t, r)
		return jsonResponse(formsync.SyncUploadResponse{
			Applied: len(req.Items) - 1,
			FailedItems: []formsync.FailedSyncItem{
				{ID: failID, Reason: formsync.ReasonTransient, Message: "deadlock, retry"},
			},
		}), nil
	})

	client.Monitor.SetOnline(false)
	client.SubmitResponse(context.Background(), responsePayload("form-1"))
	second, _ := client.SubmitResponse(context.Background(), responsePayload("form-2"))
	client.SubmitResponse(context.Background(), responsePayload("form-3"))
	failID = second.ItemID
	client.Monitor.SetOnline(true)

	require.NoError(t, client.ProcessQueue(context.Background()))

	items := client.Store.Items()
	require.Len(t, items, 1)
	require.Equal(t, second.ItemID, items[0].ID)
	require.Equal(t, 0, items[0].RetryCount, "transient failure must not burn a retry")

	resp, ok := items[0].FormResponse()
	require.True(t, ok)
	require.Equal(t, "form-2", resp.FormID)

	// One item still queued, and the same item is flagged as failing.
	status := client.Status()
	require.Equal(t, 1, status.PendingCount)
	require.Equal(t, 1, status.FailedCount)
}

func TestProcessQueueParksPermanentFailures(t *testing.T) {
	requests := 0
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/sync/offline" {
			return notFound(r), nil
		}
		requests++
		req := decodeSyncRequest(t, r)
		failed := make([]formsync.FailedSyncItem, 0, len(req.Items))
		for _, item := range req.Items {
			failed = append(failed, formsync.FailedSyncItem{ID: item.ID, Reason: formsync.ReasonBadPayload})
		}
		return jsonResponse(formsync.SyncUploadResponse{FailedItems: failed}), nil
	})

	client.Monitor.SetOnline(false)
	res, _ := client.SubmitResponse(context.Background(), responsePayload("form-1"))
	client.Monitor.SetOnline(true)

	require.NoError(t, client.ProcessQueue(context.Background()))
	require.Equal(t, 1, requests)

	failed := client.FailedItems()
	require.Len(t, failed, 1)
	require.Equal(t, res.ItemID, failed[0].ID)
	require.True(t, failed[0].Failed(), "permanent rejection should exhaust retries immediately")
	require.Equal(t, formsync.ReasonBadPayload, failed[0].LastError)

	// Parked items are excluded from subsequent automatic drains.
	require.NoError(t, client.ProcessQueue(context.Background()))
	require.Equal(t, 1, requests, "no request expected with nothing pending")
}

func TestRetryFailedResetsAndDrains(t *testing.T) {
	var retryCounts []int
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/sync/offline" {
			return notFound(r), nil
		}
		req := decodeSyncRequest(t, r)
		for _, item := range req.Items {
			retryCounts = append(retryCounts, item.RetryCount)
		}
		return jsonResponse(formsync.SyncUploadResponse{Success: true, Applied: len(req.Items)}), nil
	})

	client.Store.Replace([]QueueItem{{
		ID:         "stuck-1",
		Type:       formsync.ItemFormResponse,
		Payload:    responsePayload("form-1"),
		MaxRetries: DefaultMaxRetries,
		RetryCount: DefaultMaxRetries,
		LastError:  formsync.ReasonTransient,
	}})

	require.NoError(t, client.RetryFailed(context.Background()))
	require.Equal(t, []int{0}, retryCounts, "manual retry uploads with a reset counter")
	require.Equal(t, 0, client.Store.Len())
}

func TestRetryFailedNoopWithoutFailures(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("no request expected")
	})
	require.NoError(t, client.RetryFailed(context.Background()))
}

func TestProcessQueueOfflineIsNoop(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("no request expected while offline")
	})
	client.Monitor.SetOnline(false)
	submitted := responsePayload("form-1")
	client.SubmitResponse(context.Background(), submitted)

	items := client.Store.Items()
	require.Len(t, items, 1)
	require.Equal(t, formsync.ItemFormResponse, items[0].Type)
	queued, ok := items[0].FormResponse()
	require.True(t, ok)
	require.Equal(t, submitted, queued)

	require.NoError(t, client.ProcessQueue(context.Background()))
	require.Equal(t, 1, client.Store.Len())
}

func TestProcessQueueTransportErrorKeepsQueue(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection reset")
	})
	client.Monitor.SetOnline(false)
	client.SubmitResponse(context.Background(), responsePayload("form-1"))
	client.SubmitResponse(context.Background(), responsePayload("form-2"))
	client.Monitor.SetOnline(true)

	err := client.ProcessQueue(context.Background())
	require.Error(t, err)
	require.Equal(t, 2, client.Store.Len(), "batch transport failure keeps every item queued")
}

func TestStartDrainsOnReconnect(t *testing.T) {
	drained := 0
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/sync/offline" {
			return notFound(r), nil
		}
		req := decodeSyncRequest(t, r)
		drained += len(req.Items)
		return jsonResponse(formsync.SyncUploadResponse{Success: true, Applied: len(req.Items)}), nil
	})
	client.Start(context.Background())

	client.Monitor.SetOnline(false)
	client.SubmitResponse(context.Background(), responsePayload("form-1"))
	client.SubmitResponse(context.Background(), responsePayload("form-2"))

	// Transition handlers run synchronously, so the drain happens here.
	client.Monitor.SetOnline(true)

	require.Equal(t, 2, drained)
	require.Equal(t, 0, client.Store.Len())
}

func TestProcessQueueMigratesResponsesBeforeUpload(t *testing.T) {
	var answers map[string]any
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		req := decodeSyncRequest(t, r)
		var p formsync.FormResponsePayload
		if err := json.Unmarshal(req.Items[0].Payload, &p); err != nil {
			return nil, err
		}
		answers = p.Answers
		return jsonResponse(formsync.SyncUploadResponse{Success: true, Applied: 1}), nil
	})
	client.Migrator().CacheForm(conditionalForm())

	client.Monitor.SetOnline(false)
	client.SubmitResponse(context.Background(), &formsync.FormResponsePayload{
		FormID:  "form-1",
		Answers: map[string]any{"q1": "yes", "c1": "sometimes"},
	})
	client.Monitor.SetOnline(true)

	require.NoError(t, client.ProcessQueue(context.Background()))
	require.Equal(t, true, answers[MigratedKey])
	require.Equal(t, map[string]any{ParentValueKey: "yes", "c1": "sometimes"}, answers["q1"])
}

func TestSubmitResponseQueuesOnRemoteFailure(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusBadGateway,
			Body:       io.NopCloser(bytes.NewReader([]byte("upstream down"))),
			Header:     make(http.Header),
		}, nil
	})

	res, err := client.SubmitResponse(context.Background(), responsePayload("form-1"))
	require.NoError(t, err, "submission never hard-fails")
	require.True(t, res.Queued)
	require.False(t, res.Delivered)
	require.Equal(t, 1, client.Store.Len())
}

func TestSubmitResponseDeliversOnline(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.Method != "POST" || r.URL.Path != "/responses" {
			return nil, fmt.Errorf("unexpected request: %s %s", r.Method, r.URL.String())
		}
		return jsonResponse(map[string]string{"id": "resp-1"}), nil
	})

	res, err := client.SubmitResponse(context.Background(), responsePayload("form-1"))
	require.NoError(t, err)
	require.True(t, res.Delivered)
	require.Equal(t, 0, client.Store.Len())
}

func TestUploadMediaRefusesOffline(t *testing.T) {
	client := newTestClient(t, nil)
	client.Monitor.SetOnline(false)

	err := client.UploadMedia(context.Background(), &formsync.MediaPayload{ID: "m-1"})
	require.ErrorIs(t, err, ErrMediaOffline)
	require.Equal(t, 0, client.Store.Len(), "media must never queue")
}

func TestDeleteMediaQueuesOffline(t *testing.T) {
	client := newTestClient(t, nil)
	client.Monitor.SetOnline(false)

	res, err := client.DeleteMedia(context.Background(), "m-1")
	require.NoError(t, err)
	require.True(t, res.Queued)

	items := client.Store.Items()
	require.Len(t, items, 1)
	require.Equal(t, formsync.ItemMediaDelete, items[0].Type)
}

func TestFetchFormPrimesMigratorCache(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.Method != "GET" || r.URL.Path != "/forms" || r.URL.Query().Get("id") != "form-1" {
			return nil, fmt.Errorf("unexpected request: %s %s", r.Method, r.URL.String())
		}
		return jsonResponse(conditionalForm()), nil
	})

	form, err := client.FetchForm(context.Background(), "form-1")
	require.NoError(t, err)
	require.Equal(t, "form-1", form.ID)

	// A legacy response now migrates without another fetch.
	client.Monitor.SetOnline(false)
	out := client.Migrator().MigrateResponse(context.Background(),
		&formsync.FormResponsePayload{FormID: "form-1", Answers: map[string]any{"c1": "sometimes"}})
	require.Equal(t, map[string]any{"c1": "sometimes"}, out.Answers["q1"])
}

func TestNewClientRejectsNilTokenSource(t *testing.T) {
	_, err := NewClient(NewMemoryStorage(), "http://example.com", nil, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "token source")
}

func TestProcessQueueKeepsItemEnqueuedDuringDrain(t *testing.T) {
	var client *Client
	var midDrainID string
	client = newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/sync/offline" {
			return notFound(r), nil
		}
		req := decodeSyncRequest(t, r)
		if midDrainID == "" {
			// A submission lands while the batch is on the wire.
			midDrainID = client.Store.Enqueue(formsync.ItemFormResponse, responsePayload("form-1")).ID
		}
		return jsonResponse(formsync.SyncUploadResponse{Success: true, Applied: len(req.Items)}), nil
	})
	client.Migrator().CacheForm(&formsync.FormDefinition{ID: "form-1", Title: "Visit"})

	client.Monitor.SetOnline(false)
	client.SubmitResponse(context.Background(), responsePayload("form-1"))
	client.Monitor.SetOnline(true)

	require.NoError(t, client.ProcessQueue(context.Background()))

	pending := client.Store.Pending()
	require.Len(t, pending, 1, "submission enqueued mid-drain must survive")
	require.Equal(t, midDrainID, pending[0].ID)

	// The next drain picks it up.
	require.NoError(t, client.ProcessQueue(context.Background()))
	require.Equal(t, 0, client.Store.Len())
}

func TestProcessQueueConcurrentEnqueues(t *testing.T) {
	var mu sync.Mutex
	uploaded := make(map[string]bool)
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/sync/offline" {
			return notFound(r), nil
		}
		req := decodeSyncRequest(t, r)
		mu.Lock()
		for _, item := range req.Items {
			uploaded[item.ID] = true
		}
		mu.Unlock()
		return jsonResponse(formsync.SyncUploadResponse{Success: true, Applied: len(req.Items)}), nil
	})
	client.Migrator().CacheForm(&formsync.FormDefinition{ID: "form-1", Title: "Visit"})

	const writers = 4
	const perWriter = 200
	ids := make(chan string, writers*perWriter)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				ids <- client.Store.Enqueue(formsync.ItemFormResponse, responsePayload("form-1")).ID
			}
		}()
	}

	writersDone := make(chan struct{})
	drainerDone := make(chan struct{})
	go func() {
		defer close(drainerDone)
		for {
			if err := client.ProcessQueue(context.Background()); err != nil {
				t.Error(err)
				return
			}
			select {
			case <-writersDone:
				return
			default:
			}
		}
	}()

	wg.Wait()
	close(writersDone)
	<-drainerDone
	close(ids)

	// A final drain flushes whatever the racing drains left behind.
	require.NoError(t, client.ProcessQueue(context.Background()))
	require.Equal(t, 0, client.Store.Len())

	mu.Lock()
	defer mu.Unlock()
	for id := range ids {
		if !uploaded[id] {
			t.Fatalf("enqueued item %s was lost during the drain", id)
		}
	}
	require.Len(t, uploaded, writers*perWriter)
}
