package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDispatcherClient_DoSetsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
	}))
	defer srv.Close()

	c := &dispatcherClient{baseURL: srv.URL, apiKey: "secret", http: srv.Client()}
	var out map[string]bool
	if err := c.do("POST", "/api/start-build", startBuildRequest{BuildID: "b1"}, &out); err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if gotKey != "secret" {
		t.Errorf("expected X-API-Key header to be set, got %q", gotKey)
	}
	if !out["accepted"] {
		t.Error("expected decoded response accepted=true")
	}
}

func TestDispatcherClient_DoReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"busy"}`))
	}))
	defer srv.Close()

	c := &dispatcherClient{baseURL: srv.URL, http: srv.Client()}
	if err := c.do("POST", "/api/start-build", startBuildRequest{BuildID: "b1"}, nil); err == nil {
		t.Fatal("expected error on 429 response")
	}
}
