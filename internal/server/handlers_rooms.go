package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"github.com/hearth-chat/hearth/internal/store"
)

type createRoomRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"`
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		logrus.WithError(err).Error("Listing rooms failed")
		respondError(w, r, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	if rooms == nil {
		rooms = []store.Room{}
	}
	render.JSON(w, r, map[string]any{"rooms": rooms})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		respondError(w, r, http.StatusBadRequest, "room id is required")
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}
	if req.Kind == "" {
		req.Kind = store.RoomKindChannel
	}
	if req.Kind != store.RoomKindChannel && req.Kind != store.RoomKindDirect {
		respondError(w, r, http.StatusBadRequest, "unknown room kind")
		return
	}

	room := store.Room{ID: req.ID, Name: req.Name, Kind: req.Kind}
	if err := s.store.CreateRoom(r.Context(), room); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			respondError(w, r, http.StatusConflict, "room already exists")
			return
		}
		logrus.WithError(err).Error("Room creation failed")
		respondError(w, r, http.StatusInternalServerError, "failed to create room")
		return
	}

	s.control.Notify()

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]string{"status": "ok", "room_id": room.ID})
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	deletedBy := identityFrom(r.Context()).Username

	if err := s.store.DeleteRoom(r.Context(), roomID, deletedBy); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "room not found")
			return
		}
		logrus.WithError(err).Error("Room deletion failed")
		respondError(w, r, http.StatusInternalServerError, "failed to delete room")
		return
	}

	// Live subscribers of a deleted room are forced through teardown; their
	// next pull will observe the deletion.
	s.rooms.CloseRoom(roomID)
	s.control.Notify()

	render.JSON(w, r, map[string]string{"status": "ok", "room_id": roomID})
}

func (s *Server) handleRoomHistory(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			respondError(w, r, http.StatusBadRequest, "invalid since cursor")
			return
		}
		since = parsed
	}

	if err := s.rooms.checkRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			respondError(w, r, http.StatusNotFound, "room not found")
			return
		}
		logrus.WithError(err).Error("Room lookup failed")
		respondError(w, r, http.StatusInternalServerError, "failed to load history")
		return
	}

	messages, err := s.store.MessagesSince(r.Context(), roomID, since)
	if err != nil {
		logrus.WithError(err).Error("History query failed")
		respondError(w, r, http.StatusInternalServerError, "failed to load history")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	render.JSON(w, r, map[string]any{"status": "ok", "messages": messages})
}

type postMessageRequest struct {
	Body string `json:"body"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	var req postMessageRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := s.rooms.Publish(r.Context(), roomID, identityFrom(r.Context()).Username, req.Body)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			respondError(w, r, http.StatusNotFound, "room not found")
			return
		}
		logrus.WithError(err).Error("Publish failed")
		respondError(w, r, http.StatusInternalServerError, "failed to store message")
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]any{"status": "ok", "message": msg})
}

func (s *Server) handleSearchMessages(w http.ResponseWriter, r *http.Request) {
	q := store.SearchQuery{
		Text:   r.URL.Query().Get("query"),
		RoomID: r.URL.Query().Get("room"),
		Author: r.URL.Query().Get("author"),
		Limit:  100,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			q.Limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			q.Offset = parsed
		}
	}

	messages, total, err := s.store.SearchMessages(r.Context(), q)
	if err != nil {
		logrus.WithError(err).Error("Search failed")
		respondError(w, r, http.StatusInternalServerError, "search failed")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	render.JSON(w, r, map[string]any{"status": "ok", "messages": messages, "total": total})
}
