package chromedp_fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/user/weibo-harvester/internal/entity"
	"github.com/user/weibo-harvester/internal/repository"
)

const defaultCookieDomain = ".weibo.com"

// Options configures the browser fetcher.
type Options struct {
	BaseURL         string
	PageLoadTimeout time.Duration
	// RateInterval is the minimum spacing between navigations across all
	// callers. Zero disables pacing.
	RateInterval time.Duration
	Headless     bool
	Proxies      []string
	Location     *time.Location
	// PageSize and MaxPages describe the site's result cap and turn the
	// pager length into a result count hint.
	PageSize int
	MaxPages int
	Now      func() time.Time
}

// ChromedpFetcher renders search result pages in headless Chrome.
type ChromedpFetcher struct {
	opts    Options
	rotator *Rotator
	limiter *rate.Limiter
	logger  *zap.Logger

	mu       sync.Mutex
	browsers map[string]browser
}

type browser struct {
	ctx    context.Context
	cancel context.CancelFunc
}

var _ repository.Fetcher = (*ChromedpFetcher)(nil)

// NewChromedpFetcher creates a fetcher. Browsers are started lazily, one
// allocator per proxy.
func NewChromedpFetcher(opts Options, logger *zap.Logger) *ChromedpFetcher {
	if opts.PageLoadTimeout <= 0 {
		opts.PageLoadTimeout = 60 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.RateInterval > 0 {
		limit = rate.Every(opts.RateInterval)
	}
	return &ChromedpFetcher{
		opts:     opts,
		rotator:  NewRotator(opts.Proxies),
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		browsers: make(map[string]browser),
	}
}

func (c *ChromedpFetcher) allocatorFor(proxy string) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.browsers[proxy]; ok {
		return a.ctx
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	c.browsers[proxy] = browser{ctx: ctx, cancel: cancel}
	return ctx
}

// Close shuts down every browser the fetcher started.
func (c *ChromedpFetcher) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for proxy, a := range c.browsers {
		a.cancel()
		delete(c.browsers, proxy)
	}
}

// FetchPage loads one result page with the session's cookies and parses it.
func (c *ChromedpFetcher) FetchPage(ctx context.Context, req repository.FetchRequest) (*repository.FetchResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrFetchTimeout, err)
	}

	proxy := c.rotator.Proxy()
	taskCtx, cancel := chromedp.NewContext(c.allocatorFor(proxy))
	defer cancel()
	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, c.opts.PageLoadTimeout)
	defer cancelTimeout()
	// Abandon the page when the caller gives up.
	stop := context.AfterFunc(ctx, cancelTimeout)
	defer stop()

	ua := c.rotator.UserAgent()
	if req.Credentials != nil && req.Credentials.UserAgent != "" {
		ua = req.Credentials.UserAgent
	}
	target := SearchURL(c.opts.BaseURL, req.Keyword, req.Range, req.Page, c.opts.Location)

	var html, location string
	start := time.Now()
	err := chromedp.Run(taskCtx,
		network.Enable(),
		emulation.SetUserAgentOverride(ua),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": "zh-CN,zh;q=0.9,en;q=0.8"}),
		setCookies(req.Credentials),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Warn("search page load failed",
			zap.String("url", target),
			zap.String("proxy", proxy),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %v", repository.ErrFetchTimeout, target, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", repository.ErrNavigationFailed, target, err)
	}

	if isChallengeURL(location) {
		c.logger.Warn("redirected to challenge page", zap.String("url", target), zap.String("location", location))
		return &repository.FetchResult{ChallengeDetected: true}, nil
	}

	page, err := ParseSearchPage(html, c.opts.Now(), c.opts.Location)
	if err != nil {
		return nil, err
	}
	if page.Challenge {
		return &repository.FetchResult{ChallengeDetected: true}, nil
	}

	c.logger.Debug("search page fetched",
		zap.String("url", target),
		zap.Int("items", len(page.Items)),
		zap.Int("pages", page.Pages),
		zap.Duration("elapsed", elapsed),
	)
	return &repository.FetchResult{
		Items:     page.Items,
		HasMore:   page.HasMore,
		TotalHint: c.totalHint(page),
	}, nil
}

// totalHint turns the pager length into a result count. A full pager means
// the site truncated the results, so the hint is pushed past the cap.
func (c *ChromedpFetcher) totalHint(page *SearchPage) int {
	if page.Pages <= 1 {
		return len(page.Items)
	}
	hint := page.Pages * c.opts.PageSize
	if page.Pages >= c.opts.MaxPages {
		hint++
	}
	return hint
}

func setCookies(creds *entity.Credentials) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if creds == nil {
			return nil
		}
		for _, ck := range creds.Cookies {
			domain := ck.Domain
			if domain == "" {
				domain = defaultCookieDomain
			}
			path := ck.Path
			if path == "" {
				path = "/"
			}
			if err := network.SetCookie(ck.Name, ck.Value).WithDomain(domain).WithPath(path).Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", ck.Name, err)
			}
		}
		return nil
	})
}
