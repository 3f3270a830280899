// Package apperrors defines the typed errors surfaced across the
// casting subsystem boundary. Transient conditions (retried SOAP 5xx,
// a dropped discovery response) are handled internally and never reach
// these types; one typed error per failed user-initiated action.
package apperrors

// ErrorCode identifies the failure class.
type ErrorCode string

const (
	ErrorCodeDeviceNotFound    ErrorCode = "DEVICE_NOT_FOUND"
	ErrorCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrorCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrorCodePlaybackFailed    ErrorCode = "PLAYBACK_FAILED"
	ErrorCodeUnsupportedDevice ErrorCode = "UNSUPPORTED_DEVICE"
	ErrorCodeInvalidURL        ErrorCode = "INVALID_URL"
	ErrorCodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrorCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrorCodeSessionNotActive  ErrorCode = "SESSION_NOT_ACTIVE"
	ErrorCodeDeviceOffline     ErrorCode = "DEVICE_OFFLINE"
	ErrorCodeAuthRequired      ErrorCode = "AUTHENTICATION_REQUIRED"
	ErrorCodeNoTrackPlaying    ErrorCode = "NO_TRACK_PLAYING"
	ErrorCodeLocalServer       ErrorCode = "LOCAL_SERVER_ERROR"
	ErrorCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// AppError is the error type crossing the subsystem boundary.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (err *AppError) Error() string {
	if err.Cause != nil {
		return string(err.Code) + ": " + err.Message + ": " + err.Cause.Error()
	}
	return string(err.Code) + ": " + err.Message
}

func (err *AppError) Unwrap() error { return err.Cause }

// Is matches AppErrors by code so callers can use errors.Is with a
// sentinel like &AppError{Code: ErrorCodeSessionNotActive}.
func (err *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == err.Code
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func NewDeviceNotFound(key string) *AppError {
	return New(ErrorCodeDeviceNotFound, "device not found: "+key)
}

func NewConnectionFailed(reason string, cause error) *AppError {
	return Wrap(ErrorCodeConnectionFailed, reason, cause)
}

func NewConnectionTimeout(reason string) *AppError {
	return New(ErrorCodeConnectionTimeout, reason)
}

func NewPlaybackFailed(reason string, cause error) *AppError {
	return Wrap(ErrorCodePlaybackFailed, reason, cause)
}

func NewUnsupportedDevice(detail string) *AppError {
	return New(ErrorCodeUnsupportedDevice, detail)
}

func NewInvalidURL(raw string) *AppError {
	return New(ErrorCodeInvalidURL, "invalid media url: "+raw)
}

func NewNetworkError(cause error) *AppError {
	return Wrap(ErrorCodeNetworkError, "network failure", cause)
}

func NewSessionNotActive() *AppError {
	return New(ErrorCodeSessionNotActive, "no active casting session")
}

func NewNoTrackPlaying() *AppError {
	return New(ErrorCodeNoTrackPlaying, "no track is playing")
}

func NewLocalServerError(reason string, cause error) *AppError {
	return Wrap(ErrorCodeLocalServer, reason, cause)
}

// EnsureAppError converts an arbitrary error into an AppError.
func EnsureAppError(err error) *AppError {
	if err == nil {
		return New(ErrorCodeInternal, "unknown error")
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return Wrap(ErrorCodeInternal, "internal error", err)
}
