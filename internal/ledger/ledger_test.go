package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadHash(t *testing.T) {
	a, err := PayloadHash(map[string]any{"receiptId": "r-1", "amount": "100000.00"})
	require.NoError(t, err)
	b, err := PayloadHash(map[string]any{"amount": "100000.00", "receiptId": "r-1"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 66)
	assert.Equal(t, "0x", a[:2])

	c, err := PayloadHash(map[string]any{"receiptId": "r-2", "amount": "100000.00"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestKeccak256Hex_KnownVector(t *testing.T) {
	// keccak256("") as used by Ethereum.
	assert.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", Keccak256Hex(nil))
}

func newGatewayServer(t *testing.T, polls *int32, finalStatus string) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/transactions", func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Operation == "BOGUS" {
			http.Error(w, "unknown operation", http.StatusUnprocessableEntity)
			return
		}
		assert.Equal(t, req.IdempotencyKey, r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"handle": "h-" + req.IdempotencyKey})
	})
	r.Get("/transactions/{handle}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "handle") == "missing" {
			http.NotFound(w, r)
			return
		}
		n := atomic.AddInt32(polls, 1)
		resp := map[string]any{"handle": chi.URLParam(r, "handle"), "status": "PENDING"}
		if n >= 3 {
			resp["status"] = finalStatus
			resp["txHash"] = "0xfeed"
			resp["blockNumber"] = 77
			if finalStatus == "REVERTED" {
				resp["revertReason"] = "receipt already pledged"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	return httptest.NewServer(r)
}

func TestHTTPClient_SubmitAndAwait(t *testing.T) {
	var polls int32
	srv := newGatewayServer(t, &polls, "CONFIRMED")
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, PollInterval: 5 * time.Millisecond})
	req, err := NewRequest("PLEDGE", "PLEDGE:e-1#1", map[string]any{"receiptId": "r-1"})
	require.NoError(t, err)

	handle, err := client.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "h-PLEDGE:e-1#1", handle)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := client.AwaitConfirmation(ctx, handle)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "0xfeed", res.TxHash)
	assert.Equal(t, uint64(77), res.BlockNumber)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(3))
}

func TestHTTPClient_Reverted(t *testing.T) {
	var polls int32
	srv := newGatewayServer(t, &polls, "REVERTED")
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := client.AwaitConfirmation(ctx, "h-1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "receipt already pledged", res.RevertReason)
}

func TestHTTPClient_Errors(t *testing.T) {
	var polls int32
	srv := newGatewayServer(t, &polls, "CONFIRMED")
	defer srv.Close()
	client := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, PollInterval: 5 * time.Millisecond})

	t.Run("rejected submission", func(t *testing.T) {
		_, err := client.Submit(context.Background(), Request{Operation: "BOGUS", IdempotencyKey: "k"})
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("unknown handle", func(t *testing.T) {
		_, err := client.AwaitConfirmation(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrUnknownHandle)
	})

	t.Run("gateway down", func(t *testing.T) {
		down := NewHTTPClient(HTTPClientConfig{BaseURL: "http://127.0.0.1:1", SubmitTimeout: 200 * time.Millisecond})
		_, err := down.Submit(context.Background(), Request{Operation: "PLEDGE", IdempotencyKey: "k"})
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("await times out", func(t *testing.T) {
		atomic.StoreInt32(&polls, -1000)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := client.AwaitConfirmation(ctx, "h-slow")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestSimulator_Dedup(t *testing.T) {
	sim := NewSimulator()
	ctx := context.Background()
	req, err := NewRequest("PLEDGE", "PLEDGE:e-1#1", map[string]any{"receiptId": "r-1"})
	require.NoError(t, err)

	h1, err := sim.Submit(ctx, req)
	require.NoError(t, err)
	h2, err := sim.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	res, err := sim.AwaitConfirmation(ctx, h1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TxHash)
}
