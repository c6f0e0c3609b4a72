// Package testserver implements a small HTTP target for trying surge
// locally: the user registration endpoint the user-register preset drives,
// plus a few endpoints with fixed behaviour.
package testserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// maxDelay bounds the /slow endpoint.
const maxDelay = time.Minute

// Registration is the body accepted by POST /user-register.
type Registration struct {
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	Birthdate time.Time `json:"birthdate"`
	Password  string    `json:"password"`
}

// Server is an http.Handler serving the test endpoints.
type Server struct {
	mux *http.ServeMux

	requests atomic.Int64

	mu    sync.Mutex
	users map[string]int64
}

// New creates a test server.
func New() *Server {
	s := &Server{mux: http.NewServeMux(), users: make(map[string]int64)}

	s.mux.HandleFunc("POST /user-register", s.register)
	s.mux.HandleFunc("GET /health", s.health)
	s.mux.HandleFunc("GET /get", s.echo)
	s.mux.HandleFunc("GET /status/{code}", s.status)
	s.mux.HandleFunc("GET /slow", s.slow)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	s.mux.ServeHTTP(w, r)
}

// Requests returns how many requests have been served.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Registered returns how many users have been registered.
func (s *Server) Registered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.users))
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var reg Registration
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&reg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if reg.Username == "" || reg.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "username and password are required"})
		return
	}

	s.mu.Lock()
	_, taken := s.users[reg.Username]
	id := int64(len(s.users) + 1)
	if !taken {
		s.users[reg.Username] = id
	}
	s.mu.Unlock()

	if taken {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "username already taken"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       id,
		"username": reg.Username,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "healthy")
}

func (s *Server) echo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"method": r.Method,
		"url":    r.URL.String(),
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(r.PathValue("code"))
	if err != nil || code < 200 || code > 599 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status code"})
		return
	}
	w.WriteHeader(code)
}

func (s *Server) slow(w http.ResponseWriter, r *http.Request) {
	delay := 100 * time.Millisecond
	if v := r.URL.Query().Get("delay"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 || d > maxDelay {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid delay"})
			return
		}
		delay = d
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	case <-r.Context().Done():
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
