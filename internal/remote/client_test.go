package remote

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := DefaultConfig(url, "secret")
	cfg.Logger = log.New(io.Discard, "", 0)
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	return c
}

// TestNewClient_RequiresBaseURL tests config validation
func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient(nil); err == nil {
		t.Error("NewClient(nil) should fail")
	}
	if _, err := NewClient(&Config{}); err == nil {
		t.Error("NewClient() without base URL should fail")
	}
}

// TestPing_Health tests the health check round trip and bearer auth
func TestPing_Health(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			t.Errorf("path = %q, want /v1/health", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() failed: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
}

// TestPing_Unhealthy tests that a non-200 health response is an error
func TestPing_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping() should fail on 503")
	}
}

// TestCreateAggregate_RoundTrip tests the per-kind RPC endpoint
func TestCreateAggregate_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rpc/create_sale" {
			t.Errorf("path = %q, want /v1/rpc/create_sale", r.URL.Path)
		}
		var payload SalePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.Key != "k-1" {
			t.Errorf("Key = %q, want k-1", payload.Key)
		}
		json.NewEncoder(w).Encode(CreateResult{
			OK:            true,
			RemoteID:      501,
			ItemRemoteIDs: []int64{9001},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.CreateAggregate(context.Background(), "sale", SalePayload{
		Key:        "k-1",
		Total:      500,
		Paid:       500,
		RecordedAt: time.Now(),
		Items:      []SaleItemPayload{{ProductID: 10, Qty: 2, UnitPrice: 250, Subtotal: 500}},
	})
	if err != nil {
		t.Fatalf("CreateAggregate() failed: %v", err)
	}
	if !res.OK || res.RemoteID != 501 {
		t.Errorf("result = %+v, want ok with remote id 501", res)
	}
	if len(res.ItemRemoteIDs) != 1 || res.ItemRemoteIDs[0] != 9001 {
		t.Errorf("ItemRemoteIDs = %v, want [9001]", res.ItemRemoteIDs)
	}
}

// TestCreateAggregate_Rejection tests that a business rejection comes
// back as a result, not a transport error
func TestCreateAggregate_Rejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(CreateResult{OK: false, Message: "insufficient stock"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.CreateAggregate(context.Background(), "sale", SalePayload{Key: "k-2"})
	if err != nil {
		t.Fatalf("CreateAggregate() failed: %v", err)
	}
	if res.OK {
		t.Error("result should not be OK")
	}
	if res.Message != "insufficient stock" {
		t.Errorf("Message = %q, want rejection reason", res.Message)
	}
}

// TestReadTable_Query tests the generic query endpoint
func TestReadTable_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tables/products/query" {
			t.Errorf("path = %q, want /v1/tables/products/query", r.URL.Path)
		}
		var q Query
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			t.Errorf("decode query: %v", err)
		}
		if q.Limit != 100 || q.OrderBy != "name" {
			t.Errorf("query = %+v, want limit 100 ordered by name", q)
		}
		w.Write([]byte(`{"rows":[{"id":10,"name":"Cola"},{"id":11,"name":"Water"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	rows, err := c.ReadTable(context.Background(), "products", Query{OrderBy: "name", Limit: 100})
	if err != nil {
		t.Fatalf("ReadTable() failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0]["name"] != "Cola" {
		t.Errorf("rows[0][name] = %v, want Cola", rows[0]["name"])
	}
}

// TestReadTable_ServerError tests non-2xx mapping
func TestReadTable_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.ReadTable(context.Background(), "products", Query{}); err == nil {
		t.Error("ReadTable() should fail on 500")
	}
}

// TestWriteTable_RoundTrip tests the generic write endpoint
func TestWriteTable_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tables/customers/write" {
			t.Errorf("path = %q, want /v1/tables/customers/write", r.URL.Path)
		}
		var req struct {
			Op     Event  `json:"op"`
			Key    string `json:"key"`
			Record Row    `json:"record"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode write: %v", err)
		}
		if req.Op != EventInsert || req.Key != "k-3" {
			t.Errorf("op = %q key = %q, want insert/k-3", req.Op, req.Key)
		}
		req.Record["id"] = 20
		json.NewEncoder(w).Encode(map[string]any{"record": req.Record})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	out, err := c.WriteTable(context.Background(), "customers", EventInsert, "k-3",
		Row{"name": "Ann"})
	if err != nil {
		t.Fatalf("WriteTable() failed: %v", err)
	}
	if out["name"] != "Ann" {
		t.Errorf("record name = %v, want Ann", out["name"])
	}
	if out["id"] != float64(20) {
		t.Errorf("record id = %v, want 20", out["id"])
	}
}

// TestSubscribe_DeliversChanges tests the WebSocket subscription stream
func TestSubscribe_DeliversChanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/realtime" {
			t.Errorf("path = %q, want /v1/realtime", r.URL.Path)
		}
		if got := r.URL.Query().Get("table"); got != "customers" {
			t.Errorf("table = %q, want customers", got)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept() failed: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		msg, _ := json.Marshal(Change{
			Event:  EventUpdate,
			Record: Row{"id": float64(20), "name": "Ann"},
		})
		if err := conn.Write(r.Context(), websocket.MessageText, msg); err != nil {
			t.Errorf("Write() failed: %v", err)
		}
		// Hold the connection open until the client goes away.
		conn.Read(r.Context())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, srv.URL)
	ch, err := c.Subscribe(ctx, "customers")
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	select {
	case change := <-ch:
		if change.Event != EventUpdate {
			t.Errorf("Event = %q, want update", change.Event)
		}
		// The table is filled in from the subscription when omitted.
		if change.Table != "customers" {
			t.Errorf("Table = %q, want customers", change.Table)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for change")
	}

	cancel()
	for range ch {
	}
}
