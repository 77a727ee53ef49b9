package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tripsync/sync-server/internal/chat"
	"github.com/tripsync/sync-server/internal/ratelimit"
)

const defaultHistoryLimit = 50

// historyLimit parses the optional ?limit= query parameter, clamped to 200.
func historyLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultHistoryLimit
	}
	if n > 200 {
		n = 200
	}
	return n
}

func (s *Server) listEventMessages(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]
	if !s.requireMember(w, r, eventID) {
		return
	}

	msgs, err := s.store.ListByChannel(r.Context(), chat.EventChannel(eventID), historyLimit(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) postEventMessage(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]
	if !s.requireMember(w, r, eventID) {
		return
	}
	if !s.allow(w, r, ratelimit.RuleMessage) {
		return
	}

	var body struct {
		Text        string            `json:"text"`
		Attachments []chat.Attachment `json:"attachments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	sender, err := s.store.Verify(r.Context(), userID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	msg, err := s.broadcast.PostMessage(r.Context(), chat.EventChannel(eventID), sender.ID, sender.DisplayName, body.Text, body.Attachments)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) listEventMembers(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]
	if !s.requireMember(w, r, eventID) {
		return
	}

	members, err := s.store.Members(r.Context(), eventID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) listEventPolls(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]
	if !s.requireMember(w, r, eventID) {
		return
	}

	polls, err := s.polls.ListByEvent(r.Context(), eventID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, polls)
}

func (s *Server) createPoll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventID  string   `json:"eventId"`
		Question string   `json:"question"`
		Options  []string `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}
	if !s.requireMember(w, r, body.EventID) {
		return
	}

	p, err := s.polls.Create(r.Context(), body.EventID, userID(r), body.Question, body.Options)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) castVote(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.RuleVote) {
		return
	}

	var body struct {
		OptionID string `json:"optionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	p, err := s.polls.Vote(r.Context(), mux.Vars(r)["id"], userID(r), body.OptionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) removeVote(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.RuleVote) {
		return
	}

	p, err := s.polls.RemoveVote(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) startChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	conv, err := s.chats.Open(r.Context(), userID(r), body.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	previews, err := s.store.ListForUser(r.Context(), userID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, previews)
}

func (s *Server) listContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.store.Contacts(r.Context(), userID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (s *Server) listChatMessages(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]

	conv, err := s.chats.Get(r.Context(), chatID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !conv.HasParticipant(userID(r)) {
		writeError(w, http.StatusForbidden, "unauthorized", "not a participant of this chat")
		return
	}

	msgs, err := s.store.ListByChannel(r.Context(), chat.ChatChannel(chatID), historyLimit(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
