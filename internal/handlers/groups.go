package handlers

import (
	"net/http"

	"CipherChat/server/internal/appMiddleware"
	"CipherChat/server/internal/models"
	"CipherChat/server/internal/services"
	appErrors "CipherChat/server/pkg/errors"

	"github.com/sirupsen/logrus"
)

type GroupsHandler struct {
	groups services.GroupService
}

func NewGroupsHandler(groups services.GroupService) *GroupsHandler {
	return &GroupsHandler{groups: groups}
}

// List returns the groups the caller is an active member of.
func (h *GroupsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFrom(r.Context())
	if !ok {
		writeError(w, appErrors.ErrNotAuthenticated)
		return
	}

	views, err := h.groups.ListGroups(r.Context(), userID)
	if err != nil {
		logrus.WithError(err).Errorf("error listing groups for user %d", userID)
		writeError(w, err)
		return
	}
	if views == nil {
		views = []models.GroupView{}
	}

	writeJSON(w, http.StatusOK, views)
}
