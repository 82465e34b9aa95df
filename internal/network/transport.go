// File: internal/network/transport.go
package network

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/api/schemas"
)

// UserAgents is the pool a request draws from when it carries no User-Agent.
var UserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_0) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
}

// HTTPTransport sends scanner requests over an http.Client. It is safe for
// concurrent use.
type HTTPTransport struct {
	client         *http.Client
	defaultHeaders http.Header
	maxBodyBytes   int64
	logger         *zap.Logger
}

var _ schemas.Transport = (*HTTPTransport)(nil)

// NewTransport builds the transport. defaultHeaders are sent with every
// request unless the request sets the same header itself.
func NewTransport(cfg *ClientConfig, defaultHeaders http.Header, maxBodyBytes int64) *HTTPTransport {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultHeaders == nil {
		defaultHeaders = make(http.Header)
	}
	return &HTTPTransport{
		client:         NewClient(cfg),
		defaultHeaders: defaultHeaders.Clone(),
		maxBodyBytes:   maxBodyBytes,
		logger:         logger.Named("transport"),
	}
}

// Send performs req and returns the decoded, size-capped response.
func (t *HTTPTransport) Send(ctx context.Context, req *schemas.Request) (*schemas.Response, error) {
	if req == nil || req.URL == nil {
		return nil, fmt.Errorf("request has no URL")
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	t.applyHeaders(httpReq, req)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := readBody(resp.Body, resp.Header.Get("Content-Encoding"), t.maxBodyBytes)
	if err != nil {
		t.logger.Debug("Response body read failed",
			zap.String("url", req.URL.String()),
			zap.Error(err))
		return nil, err
	}

	return &schemas.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func (t *HTTPTransport) applyHeaders(httpReq *http.Request, req *schemas.Request) {
	for name, values := range t.defaultHeaders {
		if _, ok := req.Header[name]; ok {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	for name, values := range req.Header {
		// Host lives on the request, not the header map.
		if strings.EqualFold(name, "Host") {
			if len(values) > 0 {
				httpReq.Host = values[0]
			}
			continue
		}
		// net/http derives Content-Length from the body.
		if strings.EqualFold(name, "Content-Length") {
			continue
		}
		httpReq.Header[name] = append([]string(nil), values...)
	}

	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", RandomUserAgent())
	}
	if req.Body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentTypeFor(req.BodyKind()))
	}
}

// RandomUserAgent picks one entry from UserAgents.
func RandomUserAgent() string {
	return UserAgents[rand.IntN(len(UserAgents))]
}

func contentTypeFor(kind schemas.BodyKind) string {
	switch kind {
	case schemas.BodyJSON:
		return "application/json"
	case schemas.BodyForm:
		return "application/x-www-form-urlencoded"
	case schemas.BodyMultipart:
		return "multipart/form-data"
	default:
		return "text/plain"
	}
}

// ParseHeaders turns "Name: value" entries into a header map. Each entry may
// hold several headers separated by ';'. Entries without a name are dropped;
// a missing value is sent empty.
func ParseHeaders(entries []string) http.Header {
	h := make(http.Header)
	for _, entry := range entries {
		for _, part := range strings.Split(entry, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, value, _ := strings.Cut(part, ":")
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			h.Set(name, strings.TrimSpace(value))
		}
	}
	return h
}
