package chromedp_crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/internal/repository"
)

// detailSettle is how long a click-to-open detail view gets to render.
const detailSettle = 1500 * time.Millisecond

type ChromedpCrawler struct {
	headless bool
	timeout  time.Duration
	logger   *zap.Logger
}

// NewChromedpCrawler creates a crawler that launches one Chrome instance per session.
func NewChromedpCrawler(headless bool, pageLoadTimeout time.Duration, logger *zap.Logger) *ChromedpCrawler {
	return &ChromedpCrawler{
		headless: headless,
		timeout:  pageLoadTimeout,
		logger:   logger,
	}
}

// Open launches a browser routed through identity.
func (c *ChromedpCrawler) Open(ctx context.Context, identity entity.Identity) (repository.BrowserSession, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 900),
	)
	if identity.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(identity.UserAgent))
	}
	if identity.Proxy != nil {
		opts = append(opts, chromedp.ProxyServer(identity.Proxy.ServerURL()))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	sugar := c.logger.Sugar()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)

	s := &session{
		crawler:  c,
		identity: identity,
		browser:  browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
	}

	// The context of the first Run owns the browser process, so it must not
	// carry a timeout.
	if err := chromedp.Run(browserCtx); err != nil {
		s.cancel()
		return nil, &repository.NavigationError{URL: "about:blank", Cause: fmt.Errorf("start browser: %w", err)}
	}
	runCtx, stop := s.bind(ctx, browserCtx, c.timeout)
	defer stop()
	if err := s.prepareTab(runCtx, browserCtx); err != nil {
		s.cancel()
		return nil, &repository.NavigationError{URL: "about:blank", Cause: fmt.Errorf("enable proxy auth: %w", err)}
	}

	proxy := "direct"
	if identity.Proxy != nil {
		proxy = identity.Proxy.String()
	}
	c.logger.Debug("browser session opened", zap.String("proxy", proxy))
	return s, nil
}

type session struct {
	crawler  *ChromedpCrawler
	identity entity.Identity
	browser  context.Context
	cancel   context.CancelFunc
}

// bind derives a context from the chromedp context tab that is also cancelled
// when ctx ends, optionally with a timeout.
func (s *session) bind(ctx, tab context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var (
		out    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		out, cancel = context.WithTimeout(tab, timeout)
	} else {
		out, cancel = context.WithCancel(tab)
	}
	stop := context.AfterFunc(ctx, cancel)
	return out, func() {
		stop()
		cancel()
	}
}

// prepareTab enables proxy authentication on the tab if the identity needs it.
func (s *session) prepareTab(runCtx, tab context.Context) error {
	p := s.identity.Proxy
	if p == nil || !p.HasCredentials() {
		return nil
	}

	chromedp.ListenTarget(tab, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				_ = chromedp.Run(tab, fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: p.Username,
					Password: p.Password,
				}))
			}()
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(tab, fetch.ContinueRequest(e.RequestID))
			}()
		}
	})
	return chromedp.Run(runCtx, fetch.Enable().WithHandleAuthRequests(true))
}

func (s *session) Navigate(ctx context.Context, url string) (repository.Page, error) {
	runCtx, stop := s.bind(ctx, s.browser, s.crawler.timeout)
	defer stop()

	if err := navigate(runCtx, url); err != nil {
		return nil, err
	}
	s.crawler.logger.Debug("page loaded", zap.String("url", url))
	return &page{session: s, tab: s.browser, url: url}, nil
}

// FetchDetail opens the reference in a new tab of the same browser and
// returns the rendered document.
func (s *session) FetchDetail(ctx context.Context, ref entity.DetailRef) (string, error) {
	tab, closeTab := chromedp.NewContext(s.browser)
	defer closeTab()
	if err := chromedp.Run(tab); err != nil {
		return "", fmt.Errorf("open tab: %w", err)
	}

	runCtx, stop := s.bind(ctx, tab, s.crawler.timeout)
	defer stop()
	if err := s.prepareTab(runCtx, tab); err != nil {
		return "", fmt.Errorf("enable proxy auth: %w", err)
	}

	if !ref.IsClick() {
		if err := navigate(runCtx, ref.URL); err != nil {
			return "", err
		}
		return outerHTML(runCtx)
	}

	if err := navigate(runCtx, ref.ListURL); err != nil {
		return "", err
	}
	var nodes []*cdp.Node
	if err := chromedp.Run(runCtx,
		chromedp.WaitVisible(ref.Selector, chromedp.ByQuery),
		chromedp.Nodes(ref.Selector, &nodes, chromedp.ByQueryAll),
	); err != nil {
		return "", fmt.Errorf("find %q: %w", ref.Selector, err)
	}
	if ref.Index >= len(nodes) {
		return "", fmt.Errorf("detail trigger %d of %d: %w", ref.Index, len(nodes), repository.ErrNotFound)
	}
	if err := chromedp.Run(runCtx,
		chromedp.MouseClickNode(nodes[ref.Index]),
		chromedp.Sleep(detailSettle),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return "", fmt.Errorf("open detail %d: %w", ref.Index, err)
	}
	return outerHTML(runCtx)
}

func (s *session) Close() error {
	s.cancel()
	return nil
}

// navigate loads url and classifies the document response.
func navigate(ctx context.Context, url string) error {
	resp, err := chromedp.RunResponse(ctx, chromedp.Navigate(url))
	if err != nil {
		return &repository.NavigationError{URL: url, Cause: err}
	}
	if status := statusOf(resp); status >= 400 {
		return &repository.NavigationError{URL: url, Status: status}
	}
	return nil
}

func statusOf(resp *network.Response) int {
	if resp == nil {
		return 0
	}
	return int(resp.Status)
}

func outerHTML(ctx context.Context) (string, error) {
	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}
