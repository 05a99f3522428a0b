package handlers

import (
	"net/http"

	"CipherChat/server/internal/appMiddleware"
	"CipherChat/server/internal/services"
	appErrors "CipherChat/server/pkg/errors"

	"github.com/sirupsen/logrus"
)

type ConversationsHandler struct {
	messaging services.MessagingService
}

func NewConversationsHandler(messaging services.MessagingService) *ConversationsHandler {
	return &ConversationsHandler{messaging: messaging}
}

// List returns the caller's conversations, newest activity first, with
// decrypted previews and unread counts.
func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFrom(r.Context())
	if !ok {
		writeError(w, appErrors.ErrNotAuthenticated)
		return
	}

	views, err := h.messaging.ListConversations(r.Context(), userID)
	if err != nil {
		logrus.WithError(err).Errorf("error listing conversations for user %d", userID)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, views)
}
