package searchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/catalog-indexer/internal/platform/ctxutil"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
)

const maxErrorBodyBytes = 1024

type Operation string

const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// Document is one destination index entry. Body is ignored for deletes.
type Document struct {
	EntityType string
	ID         int64
	Body       map[string]any
}

type Client struct {
	log       *logger.Logger
	baseURL   string
	secretKey string
	http      *http.Client
}

func NewClient(log *logger.Logger, cfg Config) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		log:       log.With("service", "SearchAPIClient", "endpoint", strings.TrimRight(cfg.Endpoint, "/")),
		baseURL:   strings.TrimRight(cfg.Endpoint, "/"),
		secretKey: strings.TrimSpace(cfg.SecretKey),
		http:      &http.Client{Timeout: timeout},
	}, nil
}

// Send issues one upsert or delete. A delete of a document the destination does not have succeeds.
func (c *Client) Send(ctx context.Context, doc Document, op Operation) error {
	if c == nil {
		return fmt.Errorf("search api client unavailable")
	}
	opName := string(op)
	if doc.ID <= 0 || strings.TrimSpace(doc.EntityType) == "" {
		return opErr(opName, OperationErrorValidation, "document entity type and id are required", nil)
	}

	var (
		method string
		body   any
	)
	switch op {
	case OpUpsert:
		if len(doc.Body) == 0 {
			return opErr(opName, OperationErrorValidation, fmt.Sprintf("document %d has empty body", doc.ID), nil)
		}
		method, body = http.MethodPut, doc.Body
	case OpDelete:
		method = http.MethodDelete
	default:
		return opErr(opName, OperationErrorValidation, "unknown operation", nil)
	}

	status, err := c.do(ctx, opName, method, c.documentPath(doc), body)
	if err != nil {
		var opErrTyped *OperationError
		if op == OpDelete && errors.As(err, &opErrTyped) && opErrTyped.StatusCode == http.StatusNotFound {
			c.log.Debug("delete of absent document treated as success", "entity_type", doc.EntityType, "id", doc.ID)
			return nil
		}
		return err
	}
	c.log.Debug("search api call ok", "op", opName, "entity_type", doc.EntityType, "id", doc.ID, "status", status)
	return nil
}

func (c *Client) documentPath(doc Document) string {
	return "/documents/" + url.PathEscape(doc.EntityType) + "/" + strconv.FormatInt(doc.ID, 10)
}

func (c *Client) do(ctx context.Context, op, method, path string, in any) (int, error) {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return 0, opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, c.baseURL+path, body)
	if err != nil {
		return 0, opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.secretKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.secretKey)
	}
	if td := ctxutil.GetTraceData(ctx); td != nil && td.RequestID != "" {
		req.Header.Set("X-Request-ID", td.RequestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, classifyHTTPCallError(op, "search api request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, &OperationError{
		Code:       classifyStatus(resp.StatusCode),
		Operation:  op,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("search api http status=%d body=%q", resp.StatusCode, errorMessage(raw)),
	}
}

func classifyStatus(status int) OperationErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return OperationErrorRateLimited
	case status >= 500:
		return OperationErrorUnavailable
	default:
		return OperationErrorRejected
	}
}

func classifyHTTPCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

// errorMessage prefers the {"error": "..."} field when the body is JSON.
func errorMessage(raw []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Error != "" {
			return envelope.Error
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
