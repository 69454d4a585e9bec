package httpserver

import (
	"net/http"

	apierrors "github.com/paygate-dev/paygate/internal/errors"
	"github.com/paygate-dev/paygate/pkg/responders"
)

// writeJSON writes a success response body.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	responders.JSON(w, status, payload)
}

func writeError(w http.ResponseWriter, code apierrors.ErrorCode, message string) {
	apierrors.WriteSimpleError(w, code, message)
}

func writeErrorDetail(w http.ResponseWriter, code apierrors.ErrorCode, message, key string, value interface{}) {
	apierrors.WriteErrorWithDetail(w, code, message, key, value)
}
