package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/icos-project/polman/pkg/model"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Detail     string `json:"detail"`
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	switch model.KindOf(err) {
	case model.ErrorKindNotFound, model.ErrorKindVariableNotFound:
		return http.StatusNotFound
	case model.ErrorKindRendering, model.ErrorKindRenderingTest, model.ErrorKindTemplateNotFound:
		return http.StatusNotAcceptable
	case model.ErrorKindInvalidTransition:
		return http.StatusConflict
	case model.ErrorKindValidation, model.ErrorKindAdmission:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the error body and stops the handler chain.
func abortWithError(c *gin.Context, err error) {
	status := StatusCode(err)
	detail := err.Error()

	var perr *model.PolmanError
	if errors.As(err, &perr) && perr.Kind == model.ErrorKindAdmission {
		if reasons, ok := perr.Details["reasons"].([]string); ok && len(reasons) > 0 {
			detail = perr.Message + ": " + strings.Join(reasons, "; ")
		}
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, ErrorResponse{StatusCode: status, Detail: detail})
}

// invalidRequest wraps a binding error as a validation error.
func invalidRequest(err error) error {
	var perr *model.PolmanError
	if errors.As(err, &perr) {
		return err
	}
	return model.NewValidationError("invalid request body", err)
}
