package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout bounds a single exchange including the body
	// read. Asset downloads are the slowest requests.
	httpClientTimeout = 2 * time.Minute

	// maxResponseBytes caps response body reads. Assets are the largest
	// payloads the engine fetches.
	maxResponseBytes = 64 * 1024 * 1024

	// progressStep is the minimum progress delta reported to handlers.
	progressStep = 0.05
)

// Confine runs fn on the engine goroutine.
type Confine func(fn func())

// Client executes requests against the backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	tasks      *Tasks
	logger     *slog.Logger
	now        func() time.Time
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This keeps the bearer token from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a backend client. If httpClient is nil, a client
// with a bounded timeout and same-host redirect policy is created.
func NewClient(baseURL, token string, httpClient *http.Client, tasks *Tasks, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		tasks:      tasks,
		logger:     logger,
		now:        time.Now,
	}
}

// Do executes the request. It never returns nil: failures are encoded
// in the response. Task and progress handlers are routed through
// confine so they run on the engine goroutine.
func (c *Client) Do(ctx context.Context, req *Request, confine Confine) *Response {
	if !req.ExpiresAt.IsZero() {
		if !c.now().Before(req.ExpiresAt) {
			return ExpiredResponse()
		}

		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, req.ExpiresAt)
		defer cancelDeadline()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := c.tasks.Register(cancel)
	defer c.tasks.Done(id)

	if req.WantsTaskID() {
		confine(func() { req.TaskCreated(id) })
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return &Response{Err: fmt.Errorf("creating request %s: %w", req, err)}
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return failure(ctx, req, err)
	}
	defer resp.Body.Close()

	var body io.Reader = io.LimitReader(resp.Body, maxResponseBytes)
	if req.WantsProgress() && resp.ContentLength > 0 {
		body = &progressReader{
			r:     body,
			total: resp.ContentLength,
			report: func(f float64) {
				confine(func() { req.Progress(f) })
			},
		}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return failure(ctx, req, err)
	}

	if resp.StatusCode >= 400 {
		c.logger.Debug("request failed",
			slog.String("request", req.String()),
			slog.Int("status", resp.StatusCode),
			slog.String("body", sanitizeResponseBody(data)),
		)
	}

	return &Response{
		HTTPStatus:  resp.StatusCode,
		Payload:     data,
		ContentType: resp.Header.Get("Content-Type"),
	}
}

// failure maps a transport error onto the response taxonomy.
func failure(ctx context.Context, req *Request, err error) *Response {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &Response{Err: fmt.Errorf("%s: %w", req, context.DeadlineExceeded)}
	case errors.Is(ctx.Err(), context.Canceled):
		return &Response{Err: fmt.Errorf("%s: %w", req, context.Canceled)}
	default:
		return &Response{Err: &TransientError{Err: fmt.Errorf("%s: %w", req, err)}}
	}
}

type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	reported float64
	report   func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)

	f := float64(p.read) / float64(p.total)
	if f > 1 {
		f = 1
	}

	if f-p.reported >= progressStep || (f == 1 && p.reported < 1) {
		p.reported = f
		p.report(f)
	}

	return n, err
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in log lines. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
