package backend

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// Error is an API error with an HTTP status. The message is returned to the
// client verbatim, so it must never contain SQL or internal details.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func wrongSchema(format string, a ...interface{}) *Error {
	return &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, a...)}
}

func alreadyPresent(id string) *Error {
	return &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf("%s already exists", id)}
}

func invalidGroup(name string) *Error {
	return &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf("group %s does not exist", name)}
}

func unknownField(id string) *Error {
	return &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf("unknown field %s", id)}
}

func notFound(format string, a ...interface{}) *Error {
	return &Error{Status: http.StatusNotFound, Message: fmt.Sprintf(format, a...)}
}

func notAllowed(format string, a ...interface{}) *Error {
	return &Error{Status: http.StatusMethodNotAllowed, Message: fmt.Sprintf(format, a...)}
}

var (
	errDatabase         = &Error{Status: http.StatusInternalServerError, Message: "database error, please contact an administrator"}
	errAuthsUnavailable = &Error{Status: http.StatusServiceUnavailable, Message: "auth service unavailable"}
	errNoObjectStore    = &Error{Status: http.StatusServiceUnavailable, Message: "object storage is not configured"}
)

// writeError answers the request with the error's status and message.
// Unexpected errors are logged and answered with the generic database error,
// the client never sees what went wrong internally.
func writeError(w http.ResponseWriter, rlog *logrus.Entry, err error) {
	if apiErr, ok := err.(*Error); ok {
		writeJSON(w, apiErr.Status, map[string]string{"message": apiErr.Message})
		return
	}
	rlog.WithError(err).Error("Error 2000: internal error")
	writeJSON(w, errDatabase.Status, map[string]string{"message": errDatabase.Message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, _ := json.Marshal(v)
	w.Write(body)
}

func writeMessage(w http.ResponseWriter, status int, format string, a ...interface{}) {
	writeJSON(w, status, map[string]string{"message": fmt.Sprintf(format, a...)})
}
