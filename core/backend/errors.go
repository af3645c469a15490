package backend

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/campdir/campdir/core/logger"
)

// Kind classifies a request-terminating condition. Conditions are raised at
// the point of detection and propagate unhandled to the HTTP front, which
// translates them to a status code and the JSON envelope.
type Kind int

// the condition taxonomy
const (
	KindInternal Kind = iota
	KindNotFound
	KindValidation
	KindUnauthorized
	KindForbidden
)

// Error is a classified condition.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Status returns the HTTP status code for the condition.
func (e *Error) Status() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func notFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// errNotAuthorized is the uniform Unauthorized condition. It deliberately
// does not distinguish between a missing, malformed and expired credential.
var errNotAuthorized = &Error{Kind: KindUnauthorized, Message: "not authorized to access this route"}

func forbiddenf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// envelope is the uniform JSON response body.
type envelope struct {
	Success    bool        `json:"success"`
	Count      *int        `json:"count,omitempty"`
	Total      *int        `json:"total,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Token      string      `json:"token,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	ErrorMsg   string      `json:"error,omitempty"`
}

// Pagination tells the client whether a previous and a next page exist. It
// reflects the filtered total, not the unfiltered collection size.
type Pagination struct {
	Next *PageRef `json:"next,omitempty"`
	Prev *PageRef `json:"prev,omitempty"`
}

// PageRef references an adjacent page.
type PageRef struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	jsonData, _ := json.MarshalWithOption(body, json.DisableHTMLEscape())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeError translates a condition into its status code and envelope. Any
// error that is not a classified condition is reported as an internal error
// without leaking its message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var condition *Error
	if !errors.As(err, &condition) {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 4721: internal error on %s %s", r.Method, r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, ErrorMsg: "internal server error"})
		return
	}
	if condition.Kind == KindInternal {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 4722: internal error on %s %s", r.Method, r.URL.Path)
	}
	writeJSON(w, condition.Status(), envelope{Success: false, ErrorMsg: condition.Message})
}
