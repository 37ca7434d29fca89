package ycmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Transport issues authenticated HTTP+JSON exchanges with one ycmd
// server. Every request carries an HMAC signature over method, path, and
// body; every response body is verified against the signature the server
// attaches. A response that fails verification is discarded.
type Transport struct {
	baseURL string
	secret  []byte
	httpc   *http.Client
	log     *zap.SugaredLogger
	closed  atomic.Bool
}

// NewTransport creates a transport for a server bound to a loopback port.
func NewTransport(port int, secret []byte, timeout time.Duration, log *zap.SugaredLogger) *Transport {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Transport{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		secret:  secret,
		httpc:   &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Close marks the transport unusable. In-flight exchanges complete; their
// results are discarded by the callers that issued them.
func (t *Transport) Close() {
	t.closed.Store(true)
}

// IsClosed returns true if the transport has been closed.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}

// Get issues an unauthenticated-body GET to a handler.
func (t *Transport) Get(ctx context.Context, handler string, result any) error {
	return t.do(ctx, http.MethodGet, handler, nil, result)
}

// Post serializes params and issues a POST to a handler.
func (t *Transport) Post(ctx context.Context, handler string, params, result any) error {
	var body []byte
	if params != nil {
		var err error
		body, err = json.Marshal(params)
		if err != nil {
			return errors.Wrap(err, "marshal request body")
		}
	}
	return t.do(ctx, http.MethodPost, handler, body, result)
}

// do sends one exchange and decodes the response into result, which may
// be nil, a *json.RawMessage, or any json-decodable value.
func (t *Transport) do(ctx context.Context, method, handler string, body []byte, result any) error {
	if t.closed.Load() {
		return ErrStopped
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+handler, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set(HMACHeader, SignRequest(t.secret, method, handler, body))
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.Wrapf(ErrTransport, "%s %s: %v", method, handler, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(ErrTransport, "read response for %s: %v", handler, err)
	}

	if len(content) > 0 {
		if !VerifyResponse(t.secret, content, resp.Header.Get(HMACHeader)) {
			t.log.Errorw("dropping response with bad hmac", "handler", handler)
			return errors.Wrapf(ErrProtocol, "response signature mismatch for %s", handler)
		}
	}

	if resp.StatusCode != http.StatusOK {
		if respErr := parseResponseError(content); respErr != nil {
			return errors.Mark(respErr, ErrProtocol)
		}
		return errors.Wrapf(ErrProtocol, "%s %s: status %d", method, handler, resp.StatusCode)
	}

	if result == nil || len(content) == 0 {
		return nil
	}
	if raw, ok := result.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], content...)
		return nil
	}
	if err := json.Unmarshal(content, result); err != nil {
		return errors.Wrapf(ErrProtocol, "decode response for %s: %v", handler, err)
	}
	return nil
}

// parseResponseError extracts the structured error ycmd sends with
// non-200 statuses. Returns nil when the body has no recognizable shape.
func parseResponseError(content []byte) *ResponseError {
	if !gjson.ValidBytes(content) {
		return nil
	}
	if !gjson.GetBytes(content, "message").Exists() {
		return nil
	}
	var respErr ResponseError
	if err := json.Unmarshal(content, &respErr); err != nil {
		return nil
	}
	return &respErr
}
