package handlers

import (
	"encoding/json"
	"net/http"

	"CipherChat/server/internal/services"
	appErrors "CipherChat/server/pkg/errors"

	"github.com/sirupsen/logrus"
)

type AuthHandler struct {
	users services.UserService
}

func NewAuthHandler(users services.UserService) *AuthHandler {
	return &AuthHandler{users: users}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, appErrors.InvalidArg("invalid request body"))
		return
	}

	user, token, err := h.users.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		logrus.WithError(err).Debugf("registration failed for email %s", req.Email)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, appErrors.InvalidArg("invalid request body"))
		return
	}

	user, token, err := h.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		logrus.WithError(err).Debugf("login failed for email %s", req.Email)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  user,
	})
}
