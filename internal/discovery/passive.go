// internal/discovery/passive.go
package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/beevik/etree"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/config"
)

// maxSitemapDepth bounds sitemap index recursion.
const maxSitemapDepth = 3

// Fetcher retrieves a URL body. The passive runner only needs GET.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (body []byte, status int, err error)
}

// TransportFetcher adapts a scan transport into a Fetcher, so passive
// requests carry the same headers, proxy and TLS settings as the scan.
type TransportFetcher struct {
	Transport schemas.Transport
}

// Get sends a baseline GET request.
func (f TransportFetcher) Get(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := schemas.NewBaselineRequest(rawURL)
	if err != nil {
		return nil, 0, err
	}
	resp, err := f.Transport.Send(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.StatusCode, nil
}

// PassiveRunner harvests URLs from robots.txt and sitemaps. Every fetch
// waits on a shared rate limiter.
type PassiveRunner struct {
	cfg     config.PassiveConfig
	fetcher Fetcher
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewPassiveRunner creates a PassiveRunner.
func NewPassiveRunner(cfg config.PassiveConfig, fetcher Fetcher, logger *zap.Logger) (*PassiveRunner, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &PassiveRunner{
		cfg:     cfg,
		fetcher: fetcher,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("passive"),
	}, nil
}

// harvest collects distinct in-scope URLs up to a cap.
type harvest struct {
	mu    sync.Mutex
	scope *ScopeManager
	max   int
	seen  map[string]struct{}
	urls  []string
}

func (h *harvest) add(raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	if h.scope != nil && !h.scope.Allows(raw) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full() {
		return
	}
	if _, dup := h.seen[raw]; dup {
		return
	}
	h.seen[raw] = struct{}{}
	h.urls = append(h.urls, raw)
}

// full must be called with mu held.
func (h *harvest) full() bool {
	return h.max > 0 && len(h.urls) >= h.max
}

func (h *harvest) done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.full()
}

// Run harvests target's robots.txt and sitemaps and returns the distinct
// in-scope URLs found.
func (p *PassiveRunner) Run(ctx context.Context, target *url.URL, scope *ScopeManager) []string {
	h := &harvest{scope: scope, max: p.cfg.MaxURLs, seen: make(map[string]struct{})}
	baseURL := target.Scheme + "://" + target.Host

	sitemaps := append([]string{baseURL + "/sitemap.xml"}, p.checkRobots(ctx, baseURL, h)...)

	var wg sync.WaitGroup
	unique := make(map[string]struct{}, len(sitemaps))
	for _, s := range sitemaps {
		if _, dup := unique[s]; dup {
			continue
		}
		unique[s] = struct{}{}
		wg.Add(1)
		go func(sitemapURL string) {
			defer wg.Done()
			p.parseSitemap(ctx, sitemapURL, 0, h)
		}(s)
	}
	wg.Wait()

	p.logger.Info("Passive discovery finished", zap.String("target", baseURL), zap.Int("urls", len(h.urls)))
	return h.urls
}

func (p *PassiveRunner) get(ctx context.Context, rawURL string) ([]byte, bool) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, false
	}
	body, status, err := p.fetcher.Get(ctx, rawURL)
	if err != nil || status != http.StatusOK {
		p.logger.Debug("Fetch failed", zap.String("url", rawURL), zap.Int("status", status), zap.Error(err))
		return nil, false
	}
	return body, true
}

// checkRobots adds Allow and Disallow paths to h and returns the sitemaps
// robots.txt declares.
func (p *PassiveRunner) checkRobots(ctx context.Context, baseURL string, h *harvest) []string {
	body, ok := p.get(ctx, baseURL+"/robots.txt")
	if !ok {
		return nil
	}
	paths, sitemaps := ParseRobots(string(body))
	for _, path := range paths {
		h.add(baseURL + path)
	}
	return sitemaps
}

// ParseRobots extracts Allow/Disallow paths and Sitemap URLs from a
// robots.txt body. Wildcards and query strings are cut from paths; the bare
// root is dropped.
func ParseRobots(body string) (paths, sitemaps []string) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "sitemap":
			if value != "" {
				sitemaps = append(sitemaps, value)
			}
		case "allow", "disallow":
			if !strings.HasPrefix(value, "/") {
				continue
			}
			value, _, _ = strings.Cut(value, "*")
			value, _, _ = strings.Cut(value, "?")
			value = strings.TrimSuffix(value, "$")
			if len(value) > 1 {
				paths = append(paths, value)
			}
		}
	}
	return paths, sitemaps
}

// parseSitemap handles both sitemap indexes and URL sets.
func (p *PassiveRunner) parseSitemap(ctx context.Context, sitemapURL string, depth int, h *harvest) {
	if depth > maxSitemapDepth || h.done() {
		return
	}
	body, ok := p.get(ctx, sitemapURL)
	if !ok {
		return
	}

	nested, locs, err := ParseSitemap(body)
	if err != nil {
		p.logger.Debug("Could not parse sitemap", zap.String("url", sitemapURL), zap.Error(err))
		return
	}
	for _, loc := range locs {
		h.add(loc)
	}

	var wg sync.WaitGroup
	for _, ref := range nested {
		if h.scope != nil && !h.scope.Allows(ref) {
			p.logger.Debug("Nested sitemap out of scope", zap.String("url", ref))
			continue
		}
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			p.parseSitemap(ctx, ref, depth+1, h)
		}(ref)
	}
	wg.Wait()
}

// ParseSitemap reads a sitemap document. An index yields nested sitemap
// locations; a URL set yields page locations.
func ParseSitemap(body []byte) (nested, locs []string, err error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, nil, err
	}
	root := doc.Root()
	if root == nil {
		return nil, nil, errors.New("empty sitemap document")
	}

	switch root.Tag {
	case "sitemapindex":
		nested = locations(root, "sitemap")
	case "urlset":
		locs = locations(root, "url")
	default:
		return nil, nil, errors.New("unknown sitemap root element " + root.Tag)
	}
	return nested, locs, nil
}

func locations(root *etree.Element, child string) []string {
	var out []string
	for _, el := range root.SelectElements(child) {
		if loc := el.SelectElement("loc"); loc != nil {
			if text := strings.TrimSpace(loc.Text()); text != "" {
				out = append(out, text)
			}
		}
	}
	return out
}
