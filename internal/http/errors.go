package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/orchestrator"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/record"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// errBadRequest marks request decoding and query parameter failures.
var errBadRequest = errors.New("bad request")

// statusFor maps an error to an HTTP status and the message sent to the
// client. Internal errors never leak their text.
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, fmt.Sprint(he.Message)
	}
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, tenant.ErrInvalidTenantID),
		errors.Is(err, record.ErrInvalidRecord),
		errors.Is(err, reconlog.ErrInvalidFeedback):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, reconlog.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, reconlog.ErrAlreadyVerified),
		errors.Is(err, decision.ErrHumanVerified),
		errors.Is(err, orchestrator.ErrRunInProgress):
		return http.StatusConflict, err.Error()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

// handleError is the echo HTTPErrorHandler.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			zap.Error(err))
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, ErrorResponse{Error: msg})
	}
	if werr != nil {
		s.logger.Warn("writing error response", zap.Error(werr))
	}
}
