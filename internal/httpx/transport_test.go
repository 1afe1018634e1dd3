package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/konishchev/vsbsync/internal/logging"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := NewTransport(nil, logging.NewDefaultCLILogger(), "vsbsync-test/1.0")
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	return tr
}

func TestJSONRequestDecodesSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"abc123"}`))
	}))
	defer srv.Close()

	tr := newTestTransport(t)

	var out struct {
		ID string `json:"id"`
	}
	err := tr.JSONRequest(context.Background(), http.MethodPost, srv.URL, map[string]string{"k": "v"}, 5*time.Second, &out, nil)
	if err != nil {
		t.Fatalf("JSONRequest: %v", err)
	}
	if out.ID != "abc123" {
		t.Errorf("got ID %q, want abc123", out.ID)
	}
}

func TestJSONRequestParsesTextPlainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		w.Write([]byte("Too large.\n"))
	}))
	defer srv.Close()

	tr := newTestTransport(t)

	err := tr.JSONRequest(context.Background(), http.MethodPost, srv.URL, nil, 5*time.Second, nil, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	ge, ok := err.(*GenericError)
	if !ok {
		t.Fatalf("expected *GenericError, got %T: %v", err, err)
	}
	if ge.Message != "Server returned an error: Too large" {
		t.Errorf("got message %q", ge.Message)
	}
}

func TestJSONRequestParsesJSONAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_path","message":"path not found"}`))
	}))
	defer srv.Close()

	tr := newTestTransport(t)

	type apiErrShape struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	var shape apiErrShape

	err := tr.JSONRequest(context.Background(), http.MethodPost, srv.URL, nil, 5*time.Second, nil, &shape)
	if err == nil {
		t.Fatal("expected an error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", apiErr.StatusCode)
	}
	if shape.Error != "invalid_path" || shape.Message != "path not found" {
		t.Errorf("decoded shape = %+v", shape)
	}
}

func TestJSONRequestUnhandledContentTypeIsGeneric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := newTestTransport(t)

	tr.client.RetryMax = 0

	err := tr.JSONRequest(context.Background(), http.MethodPost, srv.URL, nil, 5*time.Second, nil, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(*GenericError); !ok {
		t.Fatalf("expected *GenericError, got %T: %v", err, err)
	}
}

func TestFormRequestEncodesBody(t *testing.T) {
	var gotContentType, gotField string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		r.ParseForm()
		gotField = r.PostFormValue("grant_type")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := newTestTransport(t)

	var out struct {
		OK bool `json:"ok"`
	}
	err := tr.FormRequest(context.Background(), srv.URL,
		url.Values{"grant_type": {"refresh_token"}}, 5*time.Second, &out, nil)
	if err != nil {
		t.Fatalf("FormRequest: %v", err)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Errorf("content-type = %q", gotContentType)
	}
	if gotField != "refresh_token" {
		t.Errorf("grant_type = %q", gotField)
	}
	if !out.OK {
		t.Error("response not decoded")
	}
}

func TestRawRequestReturnsUndecodedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "req-42")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("raw payload"))
	}))
	defer srv.Close()

	tr := newTestTransport(t)

	resp, err := tr.RawRequest(context.Background(), Request{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("RawRequest: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") != "req-42" {
		t.Errorf("header = %q", resp.Header.Get("X-Request-Id"))
	}
	if string(resp.Body) != "raw payload" {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestUploadRequestMergesHeaders(t *testing.T) {
	var gotContentType, gotCustom, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotCustom = r.Header.Get("X-Custom")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := newTestTransport(t)

	body := strings.NewReader("ciphertext bytes")
	err := tr.UploadRequest(context.Background(), srv.URL, map[string]string{"X-Custom": "value"}, body, 5*time.Second, nil, nil)
	if err != nil {
		t.Fatalf("UploadRequest: %v", err)
	}
	if gotContentType != "application/octet-stream" {
		t.Errorf("content-type = %q", gotContentType)
	}
	if gotCustom != "value" {
		t.Errorf("X-Custom = %q", gotCustom)
	}
	if gotUA != "vsbsync-test/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestWithDefaultHeadersCarriesAuthorization(t *testing.T) {
	var gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := newTestTransport(t).WithDefaultHeaders(map[string]string{
		"Authorization": "Bearer token",
	})

	if err := tr.JSONRequest(context.Background(), http.MethodPost, srv.URL, nil, 5*time.Second, nil, nil); err != nil {
		t.Fatalf("JSONRequest: %v", err)
	}
	if gotAuth != "Bearer token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotUA != "vsbsync-test/1.0" {
		t.Errorf("derived transport lost the base User-Agent: %q", gotUA)
	}
}

func TestRequestTimeoutProducesGenericError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := newTestTransport(t)
	tr.client.RetryMax = 0

	err := tr.JSONRequest(context.Background(), http.MethodPost, srv.URL, nil, 10*time.Millisecond, nil, nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if _, ok := err.(*GenericError); !ok {
		t.Fatalf("expected *GenericError, got %T: %v", err, err)
	}
}

