package transport

import (
	"fmt"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
)

// ErrorDetail the provider-reported error embedded in a failure body
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorData wraps the provider error the way clients receive it
type ErrorData struct {
	Error ErrorDetail `json:"error"`
}

// ErrorResponse the response envelope carried on an upstream error
type ErrorResponse struct {
	Data ErrorData `json:"data"`
}

// UpstreamError the normalized upstream failure shape. Code is the provider
// code when the body carries one, otherwise HTTP_<status>.
type UpstreamError struct {
	StatusCode int            `json:"statusCode"`
	Status     string         `json:"status"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Response   *ErrorResponse `json:"response,omitempty"`
}

// Error implements the error interface
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Retryable reports whether the failure qualifies for the 5xx retry loop
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode >= 500
}

// AuthFailure reports a 401-class rejection eligible for OAuth recovery
func (e *UpstreamError) AuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// newUpstreamError normalizes a non-2xx upstream response into the stable
// error shape, digging the provider code and message out of the body when
// present
func newUpstreamError(statusCode int, body []byte) *UpstreamError {
	upstream := &UpstreamError{
		StatusCode: statusCode,
		Status:     http.StatusText(statusCode),
		Code:       fmt.Sprintf("HTTP_%d", statusCode),
		Message:    http.StatusText(statusCode),
	}

	var payload map[string]interface{}
	if err := jsoniter.Unmarshal(body, &payload); err != nil {
		if len(body) > 0 {
			upstream.Message = string(body)
		}
		return upstream
	}

	detail := ErrorDetail{}
	if errObj, ok := payload["error"].(map[string]interface{}); ok {
		detail.Code = cast.ToString(errObj["code"])
		detail.Message = cast.ToString(errObj["message"])
	} else if msg := cast.ToString(payload["message"]); msg != "" {
		detail.Message = msg
		detail.Code = cast.ToString(payload["code"])
	}

	if detail.Code != "" {
		upstream.Code = detail.Code
	}
	if detail.Message != "" {
		upstream.Message = detail.Message
	}
	if detail.Code != "" || detail.Message != "" {
		upstream.Response = &ErrorResponse{Data: ErrorData{Error: detail}}
	}
	return upstream
}
