package transport

import (
	"context"
	"errors"
	"net/http"

	syncerr "github.com/alexjbarnes/otr-sync/internal/errors"
	"github.com/tidwall/gjson"
)

// Result classifies a response for the strategies.
type Result int

const (
	Success Result = iota
	TemporaryError
	PermanentError
	Expired
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case TemporaryError:
		return "temporaryError"
	case PermanentError:
		return "permanentError"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Response is what a strategy sees once a request finished.
type Response struct {
	HTTPStatus  int
	Payload     []byte
	ContentType string
	Err         error
}

// NewResponse builds a response with a status and payload. Used by
// tests and by synthetic completions.
func NewResponse(status int, payload []byte) *Response {
	return &Response{HTTPStatus: status, Payload: payload}
}

// ExpiredResponse is delivered when a request or entity expired before
// it could complete.
func ExpiredResponse() *Response {
	return &Response{Err: syncerr.ErrEntityExpired}
}

// Result classifies the response.
func (r *Response) Result() Result {
	if r.Err != nil {
		switch {
		case errors.Is(r.Err, syncerr.ErrEntityExpired), errors.Is(r.Err, context.DeadlineExceeded):
			return Expired
		case IsTransient(r.Err):
			return TemporaryError
		default:
			return PermanentError
		}
	}

	switch {
	case r.HTTPStatus >= 200 && r.HTTPStatus < 300:
		return Success
	case isTransientStatus(r.HTTPStatus):
		return TemporaryError
	default:
		return PermanentError
	}
}

// Cancelled reports whether the request was aborted through the task
// registry.
func (r *Response) Cancelled() bool {
	return r.Err != nil && errors.Is(r.Err, context.Canceled)
}

// JSON parses the payload. Non-JSON payloads yield an empty result.
func (r *Response) JSON() gjson.Result {
	if len(r.Payload) == 0 || !gjson.ValidBytes(r.Payload) {
		return gjson.Result{}
	}

	return gjson.ParseBytes(r.Payload)
}

// Label returns the backend error label, if any.
func (r *Response) Label() string {
	return r.JSON().Get("label").String()
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side condition worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
