// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/txbus/bus"
	"github.com/absmach/txbus/storage"
	"github.com/absmach/txbus/storage/memory"
)

// brokenBus fails every store round-trip.
type brokenBus struct{}

func (brokenBus) ID() string { return "broken" }

func (brokenBus) CountQueuedMessagesForClient(context.Context, storage.ClientID) (int, error) {
	return 0, errors.New("store down")
}

func (brokenBus) LoadState(context.Context) (storage.Snapshot, error) {
	return storage.Snapshot{}, errors.New("store down")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0"}, nil, nil)
	if addr := server.Addr(); addr != "" {
		t.Errorf("expected empty address before Listen, got %q", addr)
	}
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET request", http.MethodGet, http.StatusOK},
		{"POST request not allowed", http.MethodPost, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, nil, quietLogger())

			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if response.Status != "healthy" {
					t.Errorf("expected status %q, got %q", "healthy", response.Status)
				}
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		bus            Bus
		method         string
		expectedStatus int
		expectedReady  bool
		expectedReason string
	}{
		{
			name:           "bus nil - not ready",
			bus:            nil,
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "bus not initialized",
		},
		{
			name:           "store down - not ready",
			bus:            brokenBus{},
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "store unavailable",
		},
		{
			name:           "memory store - ready",
			bus:            bus.New(memory.New()),
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "POST request not allowed",
			bus:            bus.New(memory.New()),
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.bus, quietLogger())

			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK || tt.expectedStatus == http.StatusServiceUnavailable {
				var response ReadyResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if tt.expectedReady && response.Status != "ready" {
					t.Errorf("expected ready status, got %q", response.Status)
				}

				if !tt.expectedReady && response.Status != "not_ready" {
					t.Errorf("expected not_ready status, got %q", response.Status)
				}

				if tt.expectedReason != "" && response.Details != tt.expectedReason {
					t.Errorf("expected details %q, got %q", tt.expectedReason, response.Details)
				}
			}
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	ctx := context.Background()
	b := bus.New(memory.New())

	a, err := b.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r, err := b.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	gone, err := b.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Disconnect(ctx, gone); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterSender(ctx, a, 1); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterReceiver(ctx, r, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.SendToAny(ctx, a, bus.Message{Type: 1}, bus.SendOptions{Cancellable: true}); err != nil {
		t.Fatal(err)
	}

	server := New(Config{}, b, quietLogger())
	req := httptest.NewRequest(http.MethodGet, "http://test/stats", nil)
	rec := httptest.NewRecorder()
	server.handleStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var response StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	want := StatsResponse{
		BusID:                 b.ID(),
		ConnectedClients:      2,
		Clients:               3,
		SenderRegistrations:   1,
		ReceiverRegistrations: 1,
		QueuedMessages:        1,
		CancellableMessages:   1,
	}
	if response != want {
		t.Errorf("expected %+v, got %+v", want, response)
	}

	server = New(Config{}, brokenBus{}, quietLogger())
	rec = httptest.NewRecorder()
	server.handleStats(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 for broken store, got %d", rec.Code)
	}
}

func TestContentTypeHeaders(t *testing.T) {
	server := New(Config{}, bus.New(memory.New()), quietLogger())

	for _, path := range []string{"/health", "/ready", "/stats"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://test"+path, nil)
			rec := httptest.NewRecorder()

			server.server.Handler.ServeHTTP(rec, req)

			if contentType := rec.Header().Get("Content-Type"); contentType != "application/json" {
				t.Errorf("expected Content-Type application/json, got %q", contentType)
			}

			var body map[string]any
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Errorf("response is not valid JSON: %v", err)
			}
		})
	}
}

func TestListen(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, bus.New(memory.New()), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Listen(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for server.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if server.Addr() == "" {
		cancel()
		t.Fatal("server did not start listening")
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		cancel()
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Listen() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
