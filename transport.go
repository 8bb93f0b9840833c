package webhookd

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	userAgent = "TDC-Webhook/1.0"

	headerSignature = "X-Webhook-Signature"
	headerMethod    = "X-Webhook-Method"
	headerTimestamp = "X-Webhook-Timestamp"
	headerNonce     = "X-Webhook-Nonce"
	headerCustom    = "X-Webhook-Headers"
)

// Transport failure classifications.
const (
	ErrorCodeTimeout      = "TIMEOUT"
	ErrorCodeNetworkError = "NETWORK_ERROR"
	ErrorCodeSignature    = "SIGNATURE_ERROR"
)

const (
	retryDelayServerError = 5 * time.Second
	retryDelayRateLimited = 30 * time.Second
	retryDelayClientError = 10 * time.Second

	maxResponseBodySize = 1 << 20 // 1 MiB
)

// AttemptRequest describes a single signed delivery attempt.
type AttemptRequest struct {
	URL             string
	Secret          string
	Payload         []byte
	SignatureMethod string
	VerifySSL       bool
	IncludeHeaders  bool
	CustomHeaders   map[string]string
	Timeout         time.Duration
}

// AttemptResult is the structured outcome of one attempt. Transport failures
// are reported here, never as errors, so the scheduler can make its
// retry-or-terminal decision without exception control flow.
type AttemptResult struct {
	Success         bool
	HTTPStatus      int
	ResponseBody    string
	ResponseHeaders map[string]string
	Duration        time.Duration
	ErrorMessage    string
	ErrorCode       string
	ShouldRetry     bool
	RetryAfter      time.Duration
	Signature       SignatureResult
}

// Transport performs one signed POST attempt against a subscriber endpoint.
type Transport interface {
	Attempt(ctx context.Context, req AttemptRequest) AttemptResult
}

// HTTPTransport is the production Transport on net/http.
type HTTPTransport struct {
	logger         *zap.Logger
	client         *http.Client
	insecureClient *http.Client
}

// NewHTTPTransport creates a transport with functional options.
func NewHTTPTransport(logger *zap.Logger, opts ...HTTPTransportOption) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &HTTPTransport{
		logger: logger,
		client: &http.Client{},
		insecureClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Attempt issues the signed POST. The wall-clock duration covers everything
// from just before signing through the response body read or the abort.
func (t *HTTPTransport) Attempt(ctx context.Context, req AttemptRequest) AttemptResult {
	start := time.Now()

	sig, err := Sign(string(req.Payload), req.Secret, req.SignatureMethod)
	if err != nil {
		return AttemptResult{
			Success:      false,
			Duration:     time.Since(start),
			ErrorMessage: err.Error(),
			ErrorCode:    ErrorCodeSignature,
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Payload))
	if err != nil {
		return AttemptResult{
			Success:      false,
			Duration:     time.Since(start),
			ErrorMessage: fmt.Sprintf("failed to build request: %v", err),
			ErrorCode:    ErrorCodeNetworkError,
			ShouldRetry:  true,
			RetryAfter:   retryDelayServerError,
			Signature:    sig,
		}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set(headerSignature, sig.Encoded())
	httpReq.Header.Set(headerMethod, sig.Method)
	httpReq.Header.Set(headerTimestamp, strconv.FormatInt(sig.Timestamp, 10))
	httpReq.Header.Set(headerNonce, sig.Nonce)

	if req.IncludeHeaders {
		custom := req.CustomHeaders
		if custom == nil {
			// Marshal an empty object, not null: the header is part of the
			// contract whenever includeHeaders is set.
			custom = map[string]string{}
		}
		if blob, err := json.Marshal(custom); err == nil {
			httpReq.Header.Set(headerCustom, string(blob))
		}
	}
	// Custom headers go last so subscribers can override anything above.
	for k, v := range req.CustomHeaders {
		httpReq.Header.Set(k, v)
	}

	client := t.client
	if !req.VerifySSL {
		client = t.insecureClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return t.classifyTransportFailure(err, time.Since(start), sig)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	duration := time.Since(start)
	if readErr != nil {
		t.logger.Warn("Failed to read webhook response body",
			zap.String("url", req.URL),
			zap.Error(readErr))
	}

	result := AttemptResult{
		HTTPStatus:      resp.StatusCode,
		ResponseBody:    string(body),
		ResponseHeaders: flattenHeaders(resp.Header),
		Duration:        duration,
		Signature:       sig,
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		result.Success = true
		return result
	}

	result.ErrorMessage = fmt.Sprintf("webhook endpoint returned status %d", resp.StatusCode)
	result.ErrorCode = fmt.Sprintf("HTTP_%d", resp.StatusCode)
	result.ShouldRetry = resp.StatusCode >= 500
	result.RetryAfter = suggestedRetryDelay(resp.StatusCode)
	return result
}

// classifyTransportFailure distinguishes the endpoint exceeding its own
// configured timeout (terminal: the receiver's responsiveness is already
// known) from other network errors (retryable).
func (t *HTTPTransport) classifyTransportFailure(err error, duration time.Duration, sig SignatureResult) AttemptResult {
	result := AttemptResult{
		Success:   false,
		Duration:  duration,
		Signature: sig,
	}

	if errors.Is(err, context.DeadlineExceeded) {
		result.ErrorMessage = "request timed out"
		result.ErrorCode = ErrorCodeTimeout
		result.ShouldRetry = false
		return result
	}

	result.ErrorMessage = err.Error()
	result.ErrorCode = ErrorCodeNetworkError
	result.ShouldRetry = true
	result.RetryAfter = retryDelayServerError
	return result
}

// suggestedRetryDelay maps an HTTP failure status to the retry interval the
// scheduler should wait before the next attempt.
func suggestedRetryDelay(status int) time.Duration {
	switch {
	case status >= 500:
		return retryDelayServerError
	case status == http.StatusTooManyRequests:
		return retryDelayRateLimited
	case status >= 400:
		return retryDelayClientError
	default:
		return retryDelayServerError
	}
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k := range h {
		flat[k] = h.Get(k)
	}
	return flat
}
