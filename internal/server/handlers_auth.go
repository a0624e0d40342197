package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"github.com/hearth-chat/hearth/internal/auth"
)

type registerRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	InviteToken string `json:"invite_token,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		respondError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	result, err := s.registrar.Register(r.Context(), req.Username, req.Password, req.InviteToken)
	switch {
	case errors.Is(err, auth.ErrRegistrationClosed):
		respondError(w, r, http.StatusForbidden, "registration is currently closed")
	case errors.Is(err, auth.ErrInviteRequired):
		respondError(w, r, http.StatusForbidden, "registration requires a valid invite")
	case errors.Is(err, auth.ErrUserExists):
		respondError(w, r, http.StatusConflict, "username already taken")
	case err != nil:
		logrus.WithError(err).Error("Registration failed")
		respondError(w, r, http.StatusInternalServerError, "registration failed")
	default:
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, result)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	identity, err := s.registrar.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.gate.IssueToken(identity)
	if err != nil {
		logrus.WithError(err).Error("Token issuance failed")
		respondError(w, r, http.StatusInternalServerError, "login failed")
		return
	}

	render.JSON(w, r, loginResponse{Token: token, Username: identity.Username, Role: identity.Role})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, identityFrom(r.Context()))
}
