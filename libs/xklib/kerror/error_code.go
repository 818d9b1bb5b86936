package kerror

import "net/http"

type ErrorCode string

const (
	EC_OK                ErrorCode = "OK"
	EC_UNKNOWN           ErrorCode = "UNKNOWN"
	EC_NOT_FOUND         ErrorCode = "NOT_FOUND"
	EC_INVALID_PARAMETER ErrorCode = "INVALID_PARAMETER"
	EC_CONFLICT          ErrorCode = "CONFLICT"
	EC_INTERNAL_ERROR    ErrorCode = "INTERNAL_ERROR"
	EC_UNIMPLEMENTED     ErrorCode = "UNIMPLEMENTED"
	EC_TIMEOUT           ErrorCode = "TIMEOUT"
	EC_NETWORK_ERR       ErrorCode = "NETWORK_ERR"
	EC_RETRYABLE         ErrorCode = "RETRYABLE"
)

var httpStatusByCode = map[ErrorCode]int{
	EC_OK:                http.StatusOK,
	EC_UNKNOWN:           http.StatusInternalServerError,
	EC_NOT_FOUND:         http.StatusNotFound,
	EC_INVALID_PARAMETER: http.StatusBadRequest,
	EC_CONFLICT:          http.StatusConflict,
	EC_INTERNAL_ERROR:    http.StatusServiceUnavailable,
	EC_UNIMPLEMENTED:     http.StatusNotImplemented,
	EC_TIMEOUT:           http.StatusRequestTimeout,
	EC_NETWORK_ERR:       http.StatusGatewayTimeout,
	EC_RETRYABLE:         http.StatusTooManyRequests,
}

func (code ErrorCode) String() string {
	return string(code)
}

// ToHttpErrorCode maps an error code onto the status the agent answers with.
// Unknown codes become 503.
func (code ErrorCode) ToHttpErrorCode() int {
	if status, ok := httpStatusByCode[code]; ok {
		return status
	}
	return http.StatusServiceUnavailable
}

// ErrorCodeFromHttpStatus is the reverse of ToHttpErrorCode, used by clients
// that only see the status line.
func ErrorCodeFromHttpStatus(status int) ErrorCode {
	for code, s := range httpStatusByCode {
		if s == status && code != EC_INTERNAL_ERROR {
			return code
		}
	}
	if status == http.StatusServiceUnavailable {
		return EC_INTERNAL_ERROR
	}
	return EC_UNKNOWN
}
