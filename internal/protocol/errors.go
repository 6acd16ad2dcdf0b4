package protocol

import "net/http"

// Error codes carried by ERROR messages and admin API error bodies.
const (
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	ErrWorldBusy = "E_WORLD_BUSY"

	ErrBadRequest = "E_BAD_REQUEST"
	ErrForbidden  = "E_FORBIDDEN"
	ErrNotFound   = "E_NOT_FOUND"
	ErrConflict   = "E_CONFLICT"
	ErrInternal   = "E_INTERNAL"
)

var codeStatus = map[string]int{
	ErrProtoBadRequest: http.StatusBadRequest,
	ErrProtoVersion:    http.StatusBadRequest,
	ErrWorldBusy:       http.StatusServiceUnavailable,
	ErrBadRequest:      http.StatusBadRequest,
	ErrForbidden:       http.StatusForbidden,
	ErrNotFound:        http.StatusNotFound,
	ErrConflict:        http.StatusConflict,
	ErrInternal:        http.StatusInternalServerError,
}

// IsKnownCode reports whether code is one of the codes above. The empty
// code is accepted for messages without an error.
func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := codeStatus[code]
	return ok
}

// HTTPStatus maps an error code to the status the admin API answers with.
// Unknown codes map to 500.
func HTTPStatus(code string) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}
