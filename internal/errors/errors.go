// Package errors renders service errors as the JSON error envelope used by
// every HTTP endpoint:
//
//	{"error":{"code":"NOT_FOUND","message":"...","details":{...},"request_id":"..."}}
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/specenv/pkg/catalog"
	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/3leaps/specenv/pkg/fetcher"
	"github.com/3leaps/specenv/pkg/pipeline"
	"github.com/3leaps/specenv/pkg/status"
	"github.com/3leaps/specenv/pkg/stepspec"
)

// Error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidStep        = "INVALID_STEP"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeConflict           = "CONFLICT"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorBody is the payload of the envelope.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON error envelope.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Response converts env into its wire form. Context entries become details
// and the correlation id is reported as the request id.
func Response(env *gferrors.ErrorEnvelope) HTTPErrorResponse {
	return HTTPErrorResponse{Error: ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		Details:   env.Context,
		RequestID: env.CorrelationID,
	}}
}

// NewEnvelope builds an envelope, attaching details when there are any.
// Details the envelope rejects are dropped rather than failing the response.
func NewEnvelope(code, message string, details map[string]any) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	if len(details) == 0 {
		return env
	}
	withCtx, err := env.WithContext(details)
	if err != nil {
		return env
	}
	return withCtx
}

// HTTPError is an error that knows its HTTP rendering.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

// New returns an HTTPError.
func New(status int, code, message string) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message}
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error { return e.Err }

// WriteEnvelope writes env with the given status.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response(env))
}

// RespondWithError maps err onto a status and envelope and writes it. The
// request id assigned by the request-id middleware is echoed back.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, env := Classify(err)
	if r != nil {
		if id := chimw.GetReqID(r.Context()); id != "" {
			env = env.WithCorrelationID(id)
		}
	}
	WriteEnvelope(w, env, status)
}

// Classify maps domain errors onto an HTTP status and envelope.
func Classify(err error) (int, *gferrors.ErrorEnvelope) {
	c := classify(err)
	return c.status, NewEnvelope(c.code, c.message, c.details)
}

type classified struct {
	status  int
	code    string
	message string
	details map[string]any
}

func classify(err error) classified {
	var (
		httpErr *HTTPError
		pe      *pipeline.PipelineError
		parse   *stepspec.ParseError
		invalid *catalog.ValidationError
		te      *status.TransitionError
	)

	switch {
	case stderrors.As(err, &httpErr):
		return classified{httpErr.Status, httpErr.Code, httpErr.Message, httpErr.Details}
	case stderrors.As(err, &pe):
		c := classify(pe.Err)
		details := map[string]any{
			"background_id": pe.BackgroundID,
			"step_index":    pe.StepIndex,
			"step_id":       pe.StepID,
			"step_text":     pe.StepText,
			"stage":         string(pe.Stage),
		}
		for k, v := range c.details {
			details[k] = v
		}
		c.details = details
		return c
	case stderrors.As(err, &parse):
		return classified{http.StatusUnprocessableEntity, CodeInvalidStep, parse.Error(), nil}
	case stderrors.As(err, &invalid):
		return classified{http.StatusUnprocessableEntity, CodeValidationFailed, invalid.Error(), map[string]any{
			"kind":        invalid.Kind.String(),
			"index_type":  invalid.IndexType,
			"data_source": invalid.DataSource,
		}}
	case stderrors.Is(err, envstore.ErrNotFound):
		return classified{http.StatusNotFound, CodeNotFound, err.Error(), nil}
	case stderrors.As(err, &te):
		return classified{http.StatusConflict, CodeInvalidTransition, te.Error(), nil}
	case stderrors.Is(err, envstore.ErrStatusMismatch), stderrors.Is(err, envstore.ErrConflict):
		return classified{http.StatusConflict, CodeConflict, err.Error(), nil}
	case stderrors.Is(err, fetcher.ErrShuttingDown):
		return classified{http.StatusServiceUnavailable, CodeServiceUnavailable, err.Error(), nil}
	}
	return classified{http.StatusInternalServerError, CodeInternal, "internal server error", nil}
}

// NotFoundHandler renders unknown routes.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	RespondWithError(w, r, New(http.StatusNotFound, CodeNotFound, "resource not found"))
}

// MethodNotAllowedHandler renders known routes hit with the wrong method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	RespondWithError(w, r, New(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed"))
}
