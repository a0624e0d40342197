package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"github.com/hearth-chat/hearth/internal/auth"
	"github.com/hearth-chat/hearth/internal/store"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		logrus.WithError(err).Error("Listing users failed")
		respondError(w, r, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	render.JSON(w, r, map[string]any{"users": users})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.ListPendingUsers(r.Context())
	if err != nil {
		logrus.WithError(err).Error("Listing pending users failed")
		respondError(w, r, http.StatusInternalServerError, "failed to list pending users")
		return
	}
	if pending == nil {
		pending = []store.PendingUser{}
	}
	render.JSON(w, r, map[string]any{"pending": pending})
}

func (s *Server) handleApproveUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	approvedBy := identityFrom(r.Context()).Username

	user, err := s.registrar.Approve(r.Context(), username, approvedBy)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "no pending registration for that username")
			return
		}
		logrus.WithError(err).Error("Approval failed")
		respondError(w, r, http.StatusInternalServerError, "approval failed")
		return
	}

	render.JSON(w, r, map[string]any{"status": "ok", "user": user})
}

func (s *Server) handleRejectUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	rejectedBy := identityFrom(r.Context()).Username

	if err := s.registrar.Reject(r.Context(), username, rejectedBy); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "no pending registration for that username")
			return
		}
		logrus.WithError(err).Error("Rejection failed")
		respondError(w, r, http.StatusInternalServerError, "rejection failed")
		return
	}

	render.JSON(w, r, map[string]string{"status": "ok"})
}

type userRoleRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleSetUserRole(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	var req userRoleRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.registrar.SetRole(r.Context(), username, req.Role); err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidRole):
			respondError(w, r, http.StatusBadRequest, "unknown role")
		case errors.Is(err, store.ErrNotFound):
			respondError(w, r, http.StatusNotFound, "user not found")
		default:
			logrus.WithError(err).Error("Updating user role failed")
			respondError(w, r, http.StatusInternalServerError, "failed to update role")
		}
		return
	}

	render.JSON(w, r, map[string]string{"status": "ok", "username": username, "role": req.Role})
}

type registrationModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetRegistrationMode(w http.ResponseWriter, r *http.Request) {
	var req registrationModeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.registrar.SetMode(r.Context(), req.Mode); err != nil {
		if errors.Is(err, auth.ErrInvalidMode) {
			respondError(w, r, http.StatusBadRequest, "unknown registration mode")
			return
		}
		logrus.WithError(err).Error("Updating registration mode failed")
		respondError(w, r, http.StatusInternalServerError, "failed to update registration mode")
		return
	}

	render.JSON(w, r, map[string]string{"status": "ok", "mode": req.Mode})
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	invite, err := s.registrar.MintInvite(r.Context(), identityFrom(r.Context()).Username)
	if err != nil {
		logrus.WithError(err).Error("Minting invite failed")
		respondError(w, r, http.StatusInternalServerError, "failed to create invite")
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, invite)
}

func (s *Server) handleListInvites(w http.ResponseWriter, r *http.Request) {
	invites, err := s.store.ListInvites(r.Context())
	if err != nil {
		logrus.WithError(err).Error("Listing invites failed")
		respondError(w, r, http.StatusInternalServerError, "failed to list invites")
		return
	}
	if invites == nil {
		invites = []store.Invite{}
	}
	render.JSON(w, r, map[string]any{"invites": invites})
}

func (s *Server) handleDeleteInvite(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := s.store.DeleteInvite(r.Context(), token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "invite not found")
			return
		}
		logrus.WithError(err).Error("Deleting invite failed")
		respondError(w, r, http.StatusInternalServerError, "failed to delete invite")
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}
