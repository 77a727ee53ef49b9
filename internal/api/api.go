// Package api exposes the REST endpoints clients use to hydrate state before
// (or alongside) their WebSocket session: message history, event members,
// polls, and direct-chat listings. Live updates flow over the WebSocket
// protocol; these endpoints are read-mostly with a few convenience writes.
package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tripsync/sync-server/internal/broadcast"
	"github.com/tripsync/sync-server/internal/conversation"
	"github.com/tripsync/sync-server/internal/metrics"
	"github.com/tripsync/sync-server/internal/poll"
	"github.com/tripsync/sync-server/internal/ratelimit"
	"github.com/tripsync/sync-server/internal/store"
	"github.com/tripsync/sync-server/internal/syncerr"
)

// Server bundles the handlers for the hydration API. Identity arrives in the
// X-User-ID header, set by the gateway after it validates the caller's token.
type Server struct {
	store     *store.Store
	broadcast *broadcast.Engine
	polls     *poll.Engine
	chats     *conversation.Resolver
	limiter   *ratelimit.Limiter
}

// NewServer creates the API server with its backing services. The limiter may
// be nil, which disables rate limiting on write endpoints.
func NewServer(st *store.Store, bc *broadcast.Engine, polls *poll.Engine, chats *conversation.Resolver, limiter *ratelimit.Limiter) *Server {
	return &Server{
		store:     st,
		broadcast: bc,
		polls:     polls,
		chats:     chats,
		limiter:   limiter,
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireUser)

	api.HandleFunc("/events/{id}/messages", s.listEventMessages).Methods(http.MethodGet)
	api.HandleFunc("/events/{id}/messages", s.postEventMessage).Methods(http.MethodPost)
	api.HandleFunc("/events/{id}/members", s.listEventMembers).Methods(http.MethodGet)
	api.HandleFunc("/events/{id}/polls", s.listEventPolls).Methods(http.MethodGet)

	api.HandleFunc("/polls", s.createPoll).Methods(http.MethodPost)
	api.HandleFunc("/polls/{id}/vote", s.castVote).Methods(http.MethodPost)
	api.HandleFunc("/polls/{id}/vote", s.removeVote).Methods(http.MethodDelete)

	api.HandleFunc("/chat/start", s.startChat).Methods(http.MethodPost)
	api.HandleFunc("/chat/list", s.listChats).Methods(http.MethodGet)
	api.HandleFunc("/chat/contacts", s.listContacts).Methods(http.MethodGet)
	api.HandleFunc("/chat/{id}/messages", s.listChatMessages).Methods(http.MethodGet)

	return r
}

// requireUser rejects requests without an X-User-ID header. Token validation
// happens upstream at the gateway; by the time a request reaches this service
// the header is trusted.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-User-ID") == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing X-User-ID header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userID returns the caller's identity from the request headers.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}

// writeError sends a structured error body matching the WebSocket error shape.
func writeError(w http.ResponseWriter, status int, code, message string) {
	metrics.RejectedTotal.WithLabelValues(code).Inc()
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}

// writeDomainError maps a domain error to its HTTP status and wire code.
func writeDomainError(w http.ResponseWriter, err error) {
	code := syncerr.Code(err)

	status := http.StatusInternalServerError
	switch code {
	case "validation_error":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "unauthorized":
		status = http.StatusForbidden
	case "conflict":
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		log.Printf("api: internal error: %v", err)
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

// allow applies a rate-limit rule keyed by caller ID, failing open when the
// limiter is unavailable. It writes the 429 response itself when denied.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(r.Context(), userID(r), rule)
	if err != nil || ok {
		return true
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "slow down")
	return false
}

// requireMember checks event membership and writes the error response when the
// caller is not a member.
func (s *Server) requireMember(w http.ResponseWriter, r *http.Request, eventID string) bool {
	ok, err := s.store.IsMember(r.Context(), eventID, userID(r))
	if err != nil {
		writeDomainError(w, err)
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "unauthorized", "not a member of this event")
		return false
	}
	return true
}
