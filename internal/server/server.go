package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/DARK-V-98/zmes/internal/directory"
)

// Server holds the signaling store and the live-connection presence map.
type Server struct {
	store *Store

	mu     sync.Mutex
	online map[string]int // user id → open connection count
}

// New creates a Server on top of an opened store.
func New(store *Store) *Server {
	return &Server{store: store, online: make(map[string]int)}
}

// Router builds the HTTP surface: the signaling WebSocket plus the read-only
// user directory the clients resolve display info from.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/users", s.handleListUsers)
	r.Get("/users/{id}", s.handleGetUser)
	r.Get("/ws", s.handleWS)

	return r
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("server: list users")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for i := range users {
		users[i].IsOnline = s.isOnline(users[i].ID)
	}
	writeJSON(w, users)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, err := s.store.GetUser(r.Context(), id)
	if err == directory.ErrUserNotFound {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("user_id", id).Msg("server: get user")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	u.IsOnline = s.isOnline(u.ID)
	writeJSON(w, u)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("server: encode response")
	}
}

func (s *Server) connect(userID string) {
	s.mu.Lock()
	s.online[userID]++
	s.mu.Unlock()
}

func (s *Server) disconnect(userID string) {
	s.mu.Lock()
	if s.online[userID] > 1 {
		s.online[userID]--
	} else {
		delete(s.online, userID)
	}
	s.mu.Unlock()
}

func (s *Server) isOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID] > 0
}
