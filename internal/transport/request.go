// Package transport executes backend requests produced by the request
// strategies. Requests carry their own completion, task and progress
// handlers; the engine invokes them on its goroutine.
package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// TaskID identifies a running request in the cancellation registry.
type TaskID uint64

// Request is one backend call.
type Request struct {
	Method      string
	Path        string
	Body        []byte
	ContentType string
	Header      http.Header

	// ExpiresAt aborts the request with an expired result once passed.
	// Zero means no deadline.
	ExpiresAt time.Time

	completions []func(*Response)
	taskCreated []func(TaskID)
	progress    []func(float64)
	completed   bool
}

// NewRequest creates a request without body.
func NewRequest(method, path string) *Request {
	return &Request{Method: method, Path: path, Header: make(http.Header)}
}

// NewJSONRequest marshals payload as the request body.
func NewJSONRequest(method, path string, payload any) (*Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s %s body: %w", method, path, err)
	}

	r := NewRequest(method, path)
	r.Body = body
	r.ContentType = ContentTypeJSON

	return r, nil
}

// NewBinaryRequest sets a raw body with the given content type.
func NewBinaryRequest(method, path string, body []byte, contentType string) *Request {
	r := NewRequest(method, path)
	r.Body = body
	r.ContentType = contentType

	return r
}

// OnComplete appends a completion handler. Handlers run in order.
func (r *Request) OnComplete(fn func(*Response)) { r.completions = append(r.completions, fn) }

// OnTaskCreated appends a handler receiving the cancellation id.
func (r *Request) OnTaskCreated(fn func(TaskID)) { r.taskCreated = append(r.taskCreated, fn) }

// OnProgress appends a download progress handler (0 to 1).
func (r *Request) OnProgress(fn func(float64)) { r.progress = append(r.progress, fn) }

// WantsTaskID reports whether anyone listens for the task id.
func (r *Request) WantsTaskID() bool { return len(r.taskCreated) > 0 }

// WantsProgress reports whether anyone listens for progress.
func (r *Request) WantsProgress() bool { return len(r.progress) > 0 }

// Complete runs the completion handlers. Only the first call has effect.
func (r *Request) Complete(resp *Response) {
	if r.completed {
		return
	}

	r.completed = true

	for _, fn := range r.completions {
		fn(resp)
	}
}

// TaskCreated runs the task handlers.
func (r *Request) TaskCreated(id TaskID) {
	for _, fn := range r.taskCreated {
		fn(id)
	}
}

// Progress runs the progress handlers.
func (r *Request) Progress(fraction float64) {
	for _, fn := range r.progress {
		fn(fraction)
	}
}

func (r *Request) String() string { return r.Method + " " + r.Path }
