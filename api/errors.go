package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/logging"
)

// httpStatus maps an error code to a response status.
func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConflict, errors.ErrCodeAlreadyExists, errors.ErrCodeInvalidTransition:
		return http.StatusConflict
	case errors.ErrCodeNotAssigned:
		return http.StatusForbidden
	case errors.ErrCodeCapabilityMissing:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrCodeUnavailable, errors.ErrCodeClosed, errors.ErrCodeCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, logger *slog.Logger, err error) {
	code := errors.Code(err)
	if code == "" {
		code = errors.ErrCodeInternal
	}
	status := httpStatus(code)

	msg := err.Error()
	if e, ok := errors.As(err); ok {
		msg = e.Message()
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			slog.String("route", c.FullPath()), slog.Int("status", status), logging.Err(err))
	}

	body := gin.H{"success": false, "error": msg, "code": code}
	if v := errors.Violations(err); len(v) > 0 {
		body["errors"] = v
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   msg,
		"code":    errors.ErrCodeInvalidInput,
	})
}
