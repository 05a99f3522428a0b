package handlers

import (
	"encoding/json"
	"net/http"

	appErrors "CipherChat/server/pkg/errors"

	"github.com/sirupsen/logrus"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(appErrors.CodeOf(err)), map[string]string{
		"message": appErrors.MessageOf(err),
	})
}

func httpStatus(code appErrors.Code) int {
	switch code {
	case appErrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case appErrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case appErrors.CodePermissionDenied:
		return http.StatusForbidden
	case appErrors.CodeNotFound:
		return http.StatusNotFound
	case appErrors.CodeAlreadyExists, appErrors.CodeFailedPrecondition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
