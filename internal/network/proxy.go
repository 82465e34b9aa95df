// internal/network/proxy.go
package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/api/schemas"
)

var (
	// goproxy keeps its CA in package globals, so MITM is configured once
	// per process.
	mitmInitOnce  sync.Once
	mitmInitError error
	isMITMEnabled bool
)

// maxCaptureBody bounds how much of a proxied request body is copied into a
// captured request.
const maxCaptureBody = 1 << 20

// CaptureFunc receives a private copy of every captured request. It runs on
// the proxy's request goroutine and should hand off long work.
type CaptureFunc func(*schemas.Request)

// ScopeFunc reports whether a request URL should be captured.
type ScopeFunc func(*url.URL) bool

// CaptureProxy is a forwarding HTTP proxy that passes traffic through
// unchanged and reports each in-scope request to its capture hooks.
type CaptureProxy struct {
	proxy       *goproxy.ProxyHttpServer
	server      *http.Server
	serverMutex sync.Mutex
	hooks       []CaptureFunc
	scope       ScopeFunc
	hooksMutex  sync.RWMutex
	logger      *zap.Logger
}

// NewCaptureProxy creates the proxy. With a CA certificate and key HTTPS is
// intercepted; without them CONNECT requests are tunneled and only plain
// HTTP is captured.
func NewCaptureProxy(caCert, caKey []byte, clientConfig *ClientConfig, logger *zap.Logger) (*CaptureProxy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("capture_proxy")

	var cfgCopy ClientConfig
	if clientConfig == nil {
		cfgCopy = *NewDefaultClientConfig()
	} else {
		cfgCopy = *clientConfig
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Tr = NewHTTPTransport(&cfgCopy)

	if len(caCert) > 0 && len(caKey) > 0 {
		if err := configureMITM(caCert, caKey); err != nil {
			return nil, fmt.Errorf("failed to configure MITM: %w", err)
		}
		log.Info("MITM enabled.")
	} else {
		log.Warn("No CA configured, HTTPS will be tunneled and not captured.")
	}

	cp := &CaptureProxy{
		proxy:  proxy,
		logger: log,
	}
	cp.setupHandlers()
	return cp, nil
}

// OnCapture registers a hook.
func (cp *CaptureProxy) OnCapture(fn CaptureFunc) {
	cp.hooksMutex.Lock()
	defer cp.hooksMutex.Unlock()
	cp.hooks = append(cp.hooks, fn)
}

// SetScope restricts capture to URLs accepted by fn. A nil fn captures
// everything.
func (cp *CaptureProxy) SetScope(fn ScopeFunc) {
	cp.hooksMutex.Lock()
	defer cp.hooksMutex.Unlock()
	cp.scope = fn
}

// Handler exposes the proxy as an http.Handler.
func (cp *CaptureProxy) Handler() http.Handler {
	return cp.proxy
}

func (cp *CaptureProxy) setupHandlers() {
	cp.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if isMITMEnabled {
			return goproxy.MitmConnect, host
		}
		return goproxy.OkConnect, host
	}))

	cp.proxy.OnRequest().DoFunc(cp.handleRequest)
	cp.proxy.OnResponse().DoFunc(cp.handleResponse)
}

func (cp *CaptureProxy) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	cp.hooksMutex.RLock()
	hooks := cp.hooks
	scope := cp.scope
	cp.hooksMutex.RUnlock()

	if len(hooks) == 0 || r.URL == nil {
		return r, nil
	}
	if scope != nil && !scope(r.URL) {
		cp.logger.Debug("Out of scope, not captured", zap.String("url", r.URL.String()))
		return r, nil
	}

	captured, err := captureRequest(r)
	if err != nil {
		cp.logger.Debug("Failed to capture request", zap.String("url", r.URL.String()), zap.Error(err))
		return r, nil
	}
	cp.logger.Debug("Captured request", zap.String("method", r.Method), zap.String("url", r.URL.String()))

	for _, hook := range hooks {
		hook(captured.Clone())
	}
	return r, nil
}

// captureRequest copies r into a schemas.Request and restores r.Body so the
// request can still be forwarded.
func captureRequest(r *http.Request) (*schemas.Request, error) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxCaptureBody+1))
		if err != nil {
			return nil, err
		}
		rest := r.Body
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(data), rest), rest}
		if len(data) > maxCaptureBody {
			return nil, errors.New("request body too large to capture")
		}
		body = data
	}

	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}

	header := r.Header.Clone()
	// Hop-by-hop headers describe the leg to the proxy.
	for _, h := range []string{"Proxy-Connection", "Proxy-Authorization", "Connection", "Keep-Alive"} {
		header.Del(h)
	}
	return schemas.NewRequest(r.Method, &u, header, string(body)), nil
}

func (cp *CaptureProxy) handleResponse(r *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if r != nil {
		return r
	}
	errorMsg := "unknown error"
	if ctx.Error != nil {
		errorMsg = ctx.Error.Error()
	}
	cp.logger.Debug("Upstream request failed", zap.String("url", requestURL(ctx)), zap.String("error", errorMsg))
	if ctx.Req == nil {
		return &http.Response{
			StatusCode: http.StatusBadGateway,
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     make(http.Header),
			Body:       io.NopCloser(bytes.NewBufferString("proxy error: " + errorMsg)),
		}
	}
	return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, http.StatusBadGateway, "proxy error: "+errorMsg)
}

// Start serves on addr until ctx is cancelled.
func (cp *CaptureProxy) Start(ctx context.Context, addr string) error {
	cp.serverMutex.Lock()
	if cp.server != nil {
		cp.serverMutex.Unlock()
		return errors.New("proxy server already started")
	}
	server := &http.Server{
		Addr:        addr,
		Handler:     cp.proxy,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		ErrorLog:    zap.NewStdLog(cp.logger.Named("http_server")),
	}
	cp.server = server
	cp.serverMutex.Unlock()

	shutdownErr := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			shutdownErr <- nil
			return
		}
		cp.logger.Info("Stopping capture proxy...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		shutdownErr <- server.Shutdown(shutdownCtx)
	}()

	cp.logger.Info("Starting capture proxy", zap.String("address", addr))
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = <-shutdownErr
	} else {
		close(stop)
		<-shutdownErr
	}

	cp.serverMutex.Lock()
	if cp.server == server {
		cp.server = nil
	}
	cp.serverMutex.Unlock()

	if err != nil {
		return fmt.Errorf("proxy server failed: %w", err)
	}
	cp.logger.Info("Capture proxy stopped.")
	return nil
}

func configureMITM(caCert, caKey []byte) error {
	mitmInitOnce.Do(func() {
		ca, err := tls.X509KeyPair(caCert, caKey)
		if err != nil {
			mitmInitError = fmt.Errorf("invalid CA certificate/key pair: %w", err)
			return
		}
		if len(ca.Certificate) == 0 {
			mitmInitError = errors.New("CA certificate chain is empty")
			return
		}
		if ca.Leaf, err = x509.ParseCertificate(ca.Certificate[0]); err != nil {
			mitmInitError = fmt.Errorf("failed to parse CA certificate: %w", err)
			return
		}

		goproxy.GoproxyCa = ca
		tlsConfig := goproxy.TLSConfigFromCA(&ca)
		goproxy.OkConnect = &goproxy.ConnectAction{Action: goproxy.ConnectAccept, TLSConfig: tlsConfig}
		goproxy.MitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: tlsConfig}
		goproxy.HTTPMitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectHTTPMitm, TLSConfig: tlsConfig}
		goproxy.RejectConnect = &goproxy.ConnectAction{Action: goproxy.ConnectReject, TLSConfig: tlsConfig}
		isMITMEnabled = true
	})
	return mitmInitError
}

func requestURL(ctx *goproxy.ProxyCtx) string {
	if ctx != nil && ctx.Req != nil && ctx.Req.URL != nil {
		return ctx.Req.URL.String()
	}
	return "unknown"
}
