package api

import (
	"encoding/json"
	"net/http"

	"github.com/strefethen/cast-bridge-go/internal/apperrors"
)

// ErrorResponse is the wire shape of every error.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON sends a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}

// WriteError serializes an AppError, picking the HTTP status from its
// code.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperrors.EnsureAppError(err)
	_ = WriteJSON(w, statusFor(appErr.Code), ErrorResponse{
		Error: ErrorBody{
			Code:      string(appErr.Code),
			Message:   appErr.Message,
			RequestID: GetRequestID(r),
		},
	})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrorCodeDeviceNotFound, apperrors.ErrorCodeNoTrackPlaying:
		return http.StatusNotFound
	case apperrors.ErrorCodeInvalidURL, apperrors.ErrorCodeInvalidRequest, apperrors.ErrorCodeUnsupportedDevice:
		return http.StatusBadRequest
	case apperrors.ErrorCodeSessionNotActive:
		return http.StatusConflict
	case apperrors.ErrorCodeAuthRequired:
		return http.StatusUnauthorized
	case apperrors.ErrorCodeConnectionTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrorCodeConnectionFailed, apperrors.ErrorCodeDeviceOffline, apperrors.ErrorCodeNetworkError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
