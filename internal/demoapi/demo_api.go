// Package demoapi is a deliberately weak REST API for exercising the scan
// engine end to end. It publishes its own OpenAPI document at /openapi.json,
// which is exactly what the engine consumes as a spec reference.
//
// The weaknesses are staged, not real: predictable IDs, a verbose error
// endpoint, an auth check that accepts any bearer token. Do not deploy.
package demoapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// DemoAPI is a self-contained HTTP server with a handful of staged flaws.
type DemoAPI struct {
	cfg Config

	mu    sync.RWMutex
	users map[int]user
	notes map[int]note
}

type user struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type note struct {
	ID      int    `json:"id"`
	OwnerID int    `json:"owner_id"`
	Body    string `json:"body"`
}

// NewDemoAPI seeds a few records so listing endpoints have content.
func NewDemoAPI(cfg Config) *DemoAPI {
	return &DemoAPI{
		cfg: cfg,
		users: map[int]user{
			1: {ID: 1, Name: "alice", Email: "alice@example.test", Role: "admin"},
			2: {ID: 2, Name: "bob", Email: "bob@example.test", Role: "user"},
		},
		notes: map[int]note{
			1: {ID: 1, OwnerID: 1, Body: "rotate the staging credentials"},
			2: {ID: 2, OwnerID: 2, Body: "lunch thursday?"},
		},
	}
}

// Start blocks serving the demo API.
func (d *DemoAPI) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/openapi.json", d.handleOpenAPI)
	mux.HandleFunc("/users", d.handleUsers)
	mux.HandleFunc("/users/", d.handleUserByID)
	mux.HandleFunc("/notes", d.handleNotes)
	mux.HandleFunc("/notes/", d.handleNoteByID)
	mux.HandleFunc("/admin/config", d.handleAdminConfig)
	mux.HandleFunc("/debug/error", d.handleDebugError)

	addr := fmt.Sprintf(":%d", d.cfg.Port)
	fmt.Printf("Demo API listening on http://localhost%s\n", addr)
	fmt.Printf("OpenAPI document at http://localhost%s/openapi.json\n", addr)
	return http.ListenAndServe(addr, mux)
}

func (d *DemoAPI) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openAPIDocument))
}

func (d *DemoAPI) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		d.mu.RLock()
		out := make([]user, 0, len(d.users))
		for _, u := range d.users {
			out = append(out, u)
		}
		d.mu.RUnlock()
		respond(w, http.StatusOK, out)
	case http.MethodPost:
		var u user
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			respond(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
		d.mu.Lock()
		// Sequential IDs: enumeration is the point.
		u.ID = len(d.users) + 1
		d.users[u.ID] = u
		d.mu.Unlock()
		respond(w, http.StatusCreated, u)
	default:
		respond(w, http.StatusMethodNotAllowed, nil)
	}
}

func (d *DemoAPI) handleUserByID(w http.ResponseWriter, r *http.Request) {
	id, ok := trailingID(r.URL.Path, "/users/")
	if !ok {
		respond(w, http.StatusBadRequest, map[string]string{"error": "bad id"})
		return
	}
	// No ownership check: any caller can fetch any user.
	d.mu.RLock()
	u, exists := d.users[id]
	d.mu.RUnlock()
	if !exists {
		respond(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}
	respond(w, http.StatusOK, u)
}

func (d *DemoAPI) handleNotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respond(w, http.StatusMethodNotAllowed, nil)
		return
	}
	d.mu.RLock()
	out := make([]note, 0, len(d.notes))
	for _, n := range d.notes {
		out = append(out, n)
	}
	d.mu.RUnlock()
	respond(w, http.StatusOK, out)
}

func (d *DemoAPI) handleNoteByID(w http.ResponseWriter, r *http.Request) {
	id, ok := trailingID(r.URL.Path, "/notes/")
	if !ok {
		respond(w, http.StatusBadRequest, map[string]string{"error": "bad id"})
		return
	}
	d.mu.RLock()
	n, exists := d.notes[id]
	d.mu.RUnlock()
	if !exists {
		respond(w, http.StatusNotFound, map[string]string{"error": "note not found"})
		return
	}
	respond(w, http.StatusOK, n)
}

func (d *DemoAPI) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	// Accepts any bearer token, which a fuzz-auth probe should flag.
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		respond(w, http.StatusUnauthorized, map[string]string{"error": "missing token"})
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"db_host":     "db.internal.test",
		"db_password": "hunter2",
		"debug":       true,
	})
}

func (d *DemoAPI) handleDebugError(w http.ResponseWriter, r *http.Request) {
	// Leaks internals in the response body.
	respond(w, http.StatusInternalServerError, map[string]string{
		"error": "pq: password authentication failed for user \"app\"",
		"stack": "main.handleQuery demo_api.go:42",
	})
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func trailingID(path, prefix string) (int, bool) {
	raw := strings.TrimPrefix(path, prefix)
	if raw == "" || strings.Contains(raw, "/") {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return id, true
}
