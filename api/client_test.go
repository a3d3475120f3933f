package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"gobuild/monitor/shared/model"
)

func newServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			calls = append(calls, r.Method+" "+r.URL.Path)
			next.ServeHTTP(w, r)
		})
	})
	r.HandleFunc("/api/builds/{buildId}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["buildId"]
		if id != "b1" {
			http.Error(w, "Build not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(model.Build{ID: "b1", Status: model.BuildRunning})
	}).Methods("GET")
	r.HandleFunc("/api/projects/{projectId}/builds", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]model.Build{{ID: "b1"}, {ID: "b2"}})
	}).Methods("GET")
	r.HandleFunc("/api/builds/{buildId}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["buildId"] == "done" {
			http.Error(w, "Build already finished", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}).Methods("POST")
	r.HandleFunc("/api/builds/{buildId}/restart", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.Build{ID: "b3", Status: model.BuildQueued})
	}).Methods("POST")

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFetchBuild(t *testing.T) {
	srv, _ := newServer(t)
	c := NewClient(srv.URL+"/", "tok")

	b, err := c.FetchBuild(context.Background(), "b1")
	if err != nil {
		t.Fatalf("FetchBuild: %v", err)
	}
	if b.Status != model.BuildRunning {
		t.Fatalf("status = %s", b.Status)
	}
}

func TestFetchBuildNotFound(t *testing.T) {
	srv, _ := newServer(t)
	c := NewClient(srv.URL, "tok")

	_, err := c.FetchBuild(context.Background(), "nope")
	if !errors.Is(err, ErrBuildNotFound) {
		t.Fatalf("err = %v, want ErrBuildNotFound", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Body != "Build not found" {
		t.Fatalf("expected *Error with body, got %v", err)
	}
}

func TestFetchBuilds(t *testing.T) {
	srv, calls := newServer(t)
	c := NewClient(srv.URL, "tok")

	builds, err := c.FetchBuilds(context.Background(), "p1")
	if err != nil {
		t.Fatalf("FetchBuilds: %v", err)
	}
	if len(builds) != 2 {
		t.Fatalf("len = %d", len(builds))
	}
	if (*calls)[0] != "GET /api/projects/p1/builds" {
		t.Fatalf("calls = %v", *calls)
	}
}

func TestCancelAndRestart(t *testing.T) {
	srv, _ := newServer(t)
	c := NewClient(srv.URL, "tok")

	if err := c.CancelBuild(context.Background(), "b1"); err != nil {
		t.Fatalf("CancelBuild: %v", err)
	}
	err := c.CancelBuild(context.Background(), "done")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("CancelBuild(done) = %v", err)
	}
	if errors.Is(err, ErrBuildNotFound) {
		t.Fatal("conflict reported as not found")
	}

	b, err := c.RestartBuild(context.Background(), "b1")
	if err != nil || b.ID != "b3" {
		t.Fatalf("RestartBuild = %+v, %v", b, err)
	}
}

func TestMissingTokenIsRejected(t *testing.T) {
	srv, _ := newServer(t)
	c := NewClient(srv.URL, "")

	_, err := c.FetchBuild(context.Background(), "b1")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v", err)
	}
}
