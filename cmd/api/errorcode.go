package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"helpdispatch/auth"
	"helpdispatch/helper"
	"helpdispatch/request"
)

var (
	errorMessageMap = map[string]string{
		"internal":            "internal server error",
		"unauthorized":        "missing or invalid bearer token",
		"invalid_parameters":  "invalid parameters",
		"cannot_parse":        "cannot parse request",
		"not_found":           request.ErrNotFound.Error(),
		"forbidden":           request.ErrForbidden.Error(),
		"already_taken":       request.ErrAlreadyTaken.Error(),
		"helper_busy":         request.ErrHelperBusy.Error(),
		"terminal_state":      request.ErrTerminalState.Error(),
		"stale_request_state": request.ErrStaleState.Error(),
		"invalid_otp":         request.ErrInvalidOTP.Error(),
		"otp_locked":          request.ErrOTPLocked.Error(),
		"transient":           request.ErrTransientStorage.Error(),
	}

	errorInternalServer     = errorJSON("internal")
	errorUnauthorized       = errorJSON("unauthorized")
	errorInvalidParameters  = errorJSON("invalid_parameters")
	errorCannotParseRequest = errorJSON("cannot_parse")
	errorNotFound           = errorJSON("not_found")
	errorForbidden          = errorJSON("forbidden")
	errorAlreadyTaken       = errorJSON("already_taken")
	errorHelperBusy         = errorJSON("helper_busy")
	errorTerminalState      = errorJSON("terminal_state")
	errorStaleState         = errorJSON("stale_request_state")
	errorInvalidOTP         = errorJSON("invalid_otp")
	errorOTPLocked          = errorJSON("otp_locked")
	errorTransient          = errorJSON("transient")
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errorJSON converts an error code to a standardized error object
func errorJSON(code string) ErrorResponse {
	message, ok := errorMessageMap[code]
	if !ok {
		message = "unknown"
	}
	return ErrorResponse{Error: code, Message: message}
}

// errorStatus maps a service error to its http status and body. Transient
// storage failures are checked first so a retryable error is never
// reported as a business rejection.
func errorStatus(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, request.ErrTransientStorage):
		return http.StatusServiceUnavailable, errorTransient
	case errors.Is(err, request.ErrAlreadyTaken):
		return http.StatusConflict, errorAlreadyTaken
	case errors.Is(err, request.ErrHelperBusy):
		return http.StatusConflict, errorHelperBusy
	case errors.Is(err, request.ErrTerminalState):
		return http.StatusConflict, errorTerminalState
	case errors.Is(err, request.ErrStaleState):
		return http.StatusConflict, errorStaleState
	case errors.Is(err, request.ErrInvalidOTP):
		return http.StatusBadRequest, errorInvalidOTP
	case errors.Is(err, request.ErrOTPLocked):
		return http.StatusTooManyRequests, errorOTPLocked
	case errors.Is(err, request.ErrNotFound), errors.Is(err, helper.ErrNotFound):
		return http.StatusNotFound, errorNotFound
	case errors.Is(err, request.ErrForbidden):
		return http.StatusForbidden, errorForbidden
	case errors.Is(err, request.ErrInvalid):
		return http.StatusBadRequest, ErrorResponse{Error: "invalid_parameters", Message: err.Error()}
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, errorUnauthorized
	default:
		return http.StatusInternalServerError, errorInternalServer
	}
}

// shouldInterupt writes the error response for err and reports whether the
// handler must stop.
func shouldInterupt(err error, c *gin.Context) bool {
	if err == nil {
		return false
	}
	code, body := errorStatus(err)
	abortWithEncoding(c, code, body, err)
	return true
}
