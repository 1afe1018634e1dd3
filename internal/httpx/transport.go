// Package httpx is the blocking HTTP transport façade the cloud
// providers talk through: per-request deadlines, JSON/form/octet
// bodies, and a typed Generic/API error taxonomy, backed by
// go-retryablehttp.
package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/konishchev/vsbsync/internal/config"
	httppkg "github.com/konishchev/vsbsync/internal/http"
	"github.com/konishchev/vsbsync/internal/logging"
)

// GenericError covers network, TLS, timeout, decode, and serialization
// failures — anything not produced by the remote application layer.
type GenericError struct {
	Message string
}

func (e *GenericError) Error() string { return e.Message }

// Generic constructs a GenericError.
func Generic(format string, args ...any) *GenericError {
	return &GenericError{Message: fmt.Sprintf(format, args...)}
}

// APIError is a structured error payload decoded from a 4xx/5xx
// response body whose content type is application/json. Body holds
// whatever target the caller supplied to decode into.
type APIError struct {
	StatusCode int
	Body       any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %+v", e.StatusCode, e.Body)
}

// Transport is the per-process HTTP façade. It holds no cross-request
// state other than default headers; retry/backoff classification is
// delegated to the internal/http package.
type Transport struct {
	client         *retryablehttp.Client
	defaultHeaders map[string]string
}

// NewTransport builds a Transport. userAgent becomes the default
// User-Agent header, merged with (and overridable by) per-request
// headers.
func NewTransport(cfg *config.Config, logger *logging.Logger, userAgent string) (*Transport, error) {
	base, err := httppkg.CreateOptimizedClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("building HTTP client: %w", err)
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.Logger = &retryLogger{logger: logger}
	rc.RetryMax = 10
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 30 * time.Second
	rc.CheckRetry = checkRetry
	rc.Backoff = func(minDelay, maxDelay time.Duration, attempt int, resp *http.Response) time.Duration {
		return httppkg.CalculateBackoff(attempt, minDelay, maxDelay)
	}

	return &Transport{
		client: rc,
		defaultHeaders: map[string]string{
			"User-Agent": userAgent,
		},
	}, nil
}

// WithDefaultHeaders returns a Transport sharing this one's underlying
// client but carrying additional default headers, merged over the
// existing ones. Providers use it to attach their Authorization header
// once instead of on every call.
func (t *Transport) WithDefaultHeaders(headers map[string]string) *Transport {
	merged := make(map[string]string, len(t.defaultHeaders)+len(headers))
	for k, v := range t.defaultHeaders {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}
	return &Transport{client: t.client, defaultHeaders: merged}
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		switch httppkg.ClassifyError(err) {
		case httppkg.ErrorTypeNetwork, httppkg.ErrorTypeRetryable:
			return true, nil
		default:
			return false, nil
		}
	}
	if resp != nil && (resp.StatusCode == 0 || resp.StatusCode >= 500) {
		return true, nil
	}
	return false, nil
}

// retryLogger adapts *logging.Logger to retryablehttp.LeveledLogger.
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValuesToMap(keysAndValues)).Msg(msg)
}
func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info().Fields(keysAndValuesToMap(keysAndValues)).Msg(msg)
}
func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValuesToMap(keysAndValues)).Msg(msg)
}
func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValuesToMap(keysAndValues)).Msg(msg)
}

func keysAndValuesToMap(kv []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			m[key] = kv[i+1]
		}
	}
	return m
}

// request is the shared descriptor every exported method builds before
// dispatching; RawRequest exposes it directly.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    io.Reader
	Timeout time.Duration
}

// RawResponse is the result of RawRequest: status, headers, and the
// fully-read body (the transport always drains and closes the
// response body itself, so callers never leak a connection).
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSONRequest sends body JSON-encoded with the given method, decodes a
// 2xx response into out (if non-nil), and decodes a 4xx/5xx JSON body
// into errShape (if non-nil and the content type matches).
func (t *Transport) JSONRequest(ctx context.Context, method, rawURL string, body any, timeout time.Duration, out any, errShape any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return Generic("encoding request body: %s", err)
		}
	}

	req := Request{
		Method:  method,
		URL:     rawURL,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    &buf,
		Timeout: timeout,
	}

	return t.do(ctx, req, out, errShape)
}

// FormRequest sends body URL-form-encoded via POST.
func (t *Transport) FormRequest(ctx context.Context, rawURL string, body url.Values, timeout time.Duration, out any, errShape any) error {
	req := Request{
		Method:  http.MethodPost,
		URL:     rawURL,
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:    strings.NewReader(body.Encode()),
		Timeout: timeout,
	}
	return t.do(ctx, req, out, errShape)
}

// UploadRequest POSTs an octet-stream body (one Splitter sub-stream)
// with the caller's extra headers merged over the defaults.
func (t *Transport) UploadRequest(ctx context.Context, rawURL string, extraHeaders map[string]string, body io.Reader, timeout time.Duration, out any, errShape any) error {
	headers := map[string]string{"Content-Type": "application/octet-stream"}
	for k, v := range extraHeaders {
		headers[k] = v
	}
	req := Request{
		Method:  http.MethodPost,
		URL:     rawURL,
		Headers: headers,
		Body:    body,
		Timeout: timeout,
	}
	return t.do(ctx, req, out, errShape)
}

// RawRequest performs the request as described and returns the raw
// response without any JSON decoding.
func (t *Transport) RawRequest(ctx context.Context, desc Request) (*RawResponse, error) {
	resp, err := t.send(ctx, desc)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Generic("reading response body: %s", err)
	}

	return &RawResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func (t *Transport) do(ctx context.Context, desc Request, out any, errShape any) error {
	resp, err := t.send(ctx, desc)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return Generic("decoding response body: %s", err)
		}
		return nil
	}

	return parseErrorResponse(resp, errShape)
}

// send applies per-request deadlines and default/override headers,
// then dispatches through the retryable client. Each call builds its
// own retryablehttp.Request so no state survives past one call. The
// known hazard is a leaked request body from a shared keep-alive pool when
// the server responds mid-send, which Go's net/http does not exhibit,
// but this still guarantees the body is always fully drained and
// closed exactly once per request.
func (t *Transport) send(ctx context.Context, desc Request) (*http.Response, error) {
	if desc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}

	var bodyReader io.Reader = desc.Body
	req, err := retryablehttp.NewRequestWithContext(ctx, desc.Method, desc.URL, bodyReader)
	if err != nil {
		return nil, Generic("building request: %s", err)
	}

	for k, v := range t.defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range desc.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, Generic("%s", classifyForMessage(err))
	}
	return resp, nil
}

func classifyForMessage(err error) string {
	return err.Error()
}

// parseErrorResponse maps a non-2xx response to the error taxonomy
// based on its content type.
func parseErrorResponse(resp *http.Response, errShape any) error {
	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return Generic("reading error response body: %s", readErr)
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	switch mediaType {
	case "text/plain":
		msg := firstLine(data)
		if msg == "" {
			msg = resp.Status
		}
		return Generic("Server returned an error: %s", msg)

	case "application/json":
		if errShape == nil {
			return Generic("server returned status %d with an unhandled JSON error body", resp.StatusCode)
		}
		if err := json.Unmarshal(data, errShape); err != nil {
			return Generic("decoding JSON error body: %s", err)
		}
		return &APIError{StatusCode: resp.StatusCode, Body: errShape}

	default:
		return Generic("server returned status %d with content type %q", resp.StatusCode, contentType)
	}
}

// firstLine returns the first non-empty line of data, trimmed of
// trailing periods and whitespace.
func firstLine(data []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		return strings.TrimRight(line, ". \t")
	}
	return ""
}
