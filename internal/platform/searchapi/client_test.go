package searchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/yungbote/catalog-indexer/internal/platform/logger"
)

func TestSendUpsertRequestShape(t *testing.T) {
	var captured map[string]any
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodPut {
			t.Fatalf("method: want=%s got=%s", http.MethodPut, r.Method)
		}
		if r.URL.Path != "/v1/documents/product/42" {
			t.Fatalf("path: want=%q got=%q", "/v1/documents/product/42", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer s3cr3t" {
			t.Fatalf("authorization: got=%q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return response(http.StatusOK, `{"status":"ok"}`), nil
	})

	err := c.Send(context.Background(), Document{
		EntityType: "product",
		ID:         42,
		Body:       map[string]any{"id": 42, "name": "Lamp"},
	}, OpUpsert)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if captured["name"] != "Lamp" {
		t.Fatalf("body: got=%v", captured)
	}
}

func TestSendDeleteNotFoundIsSuccess(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodDelete {
			t.Fatalf("method: want=%s got=%s", http.MethodDelete, r.Method)
		}
		if r.Body != nil && r.Body != http.NoBody {
			raw, _ := io.ReadAll(r.Body)
			if len(raw) > 0 {
				t.Fatalf("delete should not carry a body, got %q", raw)
			}
		}
		return response(http.StatusNotFound, `{"error":"no such document"}`), nil
	})
	if err := c.Send(context.Background(), Document{EntityType: "product", ID: 7}, OpDelete); err != nil {
		t.Fatalf("Send delete 404: %v", err)
	}
}

func TestSendClassifiesFailures(t *testing.T) {
	cases := []struct {
		status    int
		code      OperationErrorCode
		retryable bool
	}{
		{http.StatusBadRequest, OperationErrorRejected, false},
		{http.StatusTooManyRequests, OperationErrorRateLimited, true},
		{http.StatusBadGateway, OperationErrorUnavailable, true},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
			return response(tc.status, `{"error":"nope"}`), nil
		})
		err := c.Send(context.Background(), Document{EntityType: "product", ID: 1, Body: map[string]any{"id": 1}}, OpUpsert)
		var opErr *OperationError
		if !errors.As(err, &opErr) {
			t.Fatalf("status %d: expected OperationError, got %v", tc.status, err)
		}
		if opErr.Code != tc.code || opErr.StatusCode != tc.status || opErr.Retryable() != tc.retryable {
			t.Fatalf("status %d: got code=%s status=%d retryable=%v", tc.status, opErr.Code, opErr.StatusCode, opErr.Retryable())
		}
	}
}

func TestSendTransportError(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	err := c.Send(context.Background(), Document{EntityType: "product", ID: 1}, OpDelete)
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Code != OperationErrorTransportFailed {
		t.Fatalf("expected transport_failed, got %v", err)
	}
}

func TestSendValidation(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		t.Fatalf("no request expected")
		return nil, nil
	})
	for name, doc := range map[string]Document{
		"no id":      {EntityType: "product"},
		"no type":    {ID: 1},
		"empty body": {EntityType: "product", ID: 1},
	} {
		err := c.Send(context.Background(), doc, OpUpsert)
		var opErr *OperationError
		if !errors.As(err, &opErr) || opErr.Code != OperationErrorValidation {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	var cfgErr *ConfigError
	if err := ValidateConfig(Config{}); !errors.As(err, &cfgErr) || cfgErr.Code != ConfigErrorMissingEndpoint {
		t.Fatalf("missing endpoint: got %v", err)
	}
	if err := ValidateConfig(Config{Endpoint: "search.local"}); !errors.As(err, &cfgErr) || cfgErr.Code != ConfigErrorInvalidEndpoint {
		t.Fatalf("invalid endpoint: got %v", err)
	}
	if err := ValidateConfig(Config{Endpoint: "https://search.local/v1"}); err != nil {
		t.Fatalf("valid endpoint: %v", err)
	}
}

func newTestClient(t *testing.T, roundTrip func(*http.Request) (*http.Response, error)) *Client {
	t.Helper()
	c, err := NewClient(logger.Nop(), Config{Endpoint: "http://search.local/v1/", SecretKey: "s3cr3t"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.http = &http.Client{Transport: roundTripFunc(roundTrip)}
	return c
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
