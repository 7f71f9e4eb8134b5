package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/event-pipeline/internal/dedup"
	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/internal/normalize"
	"github.com/user/event-pipeline/internal/pagination"
	"github.com/user/event-pipeline/internal/proxy"
	"github.com/user/event-pipeline/internal/repository"
	"github.com/user/event-pipeline/internal/usecase"
	"github.com/user/event-pipeline/pkg/config"
)

func listing(titles ...string) string {
	html := `<html><body><ul>`
	for _, t := range titles {
		html += fmt.Sprintf(`<li class="ev"><h3> %s </h3><span class="venue">Палац Україна</span></li>`, t)
	}
	return html + `</ul><button class="next">next</button></body></html>`
}

// listPage serves one HTML document per page; clicking the trigger moves to
// the next one.
type listPage struct {
	pages []string
	idx   int
}

func (p *listPage) URL() string                                       { return "https://example.com/events" }
func (p *listPage) HTML(context.Context) (string, error)              { return p.pages[p.idx], nil }
func (p *listPage) WaitVisible(context.Context, string) error         { return nil }
func (p *listPage) ScrollBy(context.Context, float64) error           { return nil }
func (p *listPage) MoveMouse(context.Context, float64, float64) error { return nil }
func (p *listPage) IsClickable(context.Context, string) (bool, error) { return p.idx < len(p.pages)-1, nil }
func (p *listPage) ScrollState(context.Context) (repository.ScrollState, error) {
	return repository.ScrollState{}, nil
}

func (p *listPage) Click(context.Context, string) error {
	p.idx++
	return nil
}

type fakeSession struct {
	page    *listPage
	browser *fakeBrowser
}

func (s *fakeSession) Navigate(context.Context, string) (repository.Page, error) { return s.page, nil }
func (s *fakeSession) Close() error                                              { return nil }

// FetchDetail serves details by URL, or by "selector#index" for click-to-open
// references.
func (s *fakeSession) FetchDetail(_ context.Context, ref entity.DetailRef) (string, error) {
	s.browser.mu.Lock()
	defer s.browser.mu.Unlock()
	s.browser.refs = append(s.browser.refs, ref)
	key := ref.URL
	if ref.IsClick() {
		key = fmt.Sprintf("%s#%d", ref.Selector, ref.Index)
	}
	if html, ok := s.browser.details[key]; ok {
		return html, nil
	}
	return "", repository.ErrNotFound
}

// fakeBrowser fails the first len(errs) opens with the given errors.
type fakeBrowser struct {
	pages      []string
	errs       []error
	identities []entity.Identity

	mu      sync.Mutex
	details map[string]string
	refs    []entity.DetailRef
}

func (b *fakeBrowser) Open(_ context.Context, id entity.Identity) (repository.BrowserSession, error) {
	b.identities = append(b.identities, id)
	if n := len(b.identities); n <= len(b.errs) {
		return nil, b.errs[n-1]
	}
	return &fakeSession{page: &listPage{pages: b.pages}, browser: b}, nil
}

func (b *fakeBrowser) proxyHosts() []string {
	var hosts []string
	for _, id := range b.identities {
		if id.Proxy != nil {
			hosts = append(hosts, id.Proxy.Host)
		}
	}
	return hosts
}

type fakePublisher struct {
	calls int
	msgs  []entity.OutboundEventMessage
	err   error
}

func (p *fakePublisher) PublishMany(_ context.Context, msgs []entity.OutboundEventMessage) error {
	p.calls++
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

type memSnapshots struct {
	saved map[string]*entity.Snapshot
	saves int
}

func (m *memSnapshots) Load(_ context.Context, prefix string) (*entity.Snapshot, error) {
	if s, ok := m.saved[prefix]; ok {
		return s, nil
	}
	return &entity.Snapshot{Prefix: prefix}, nil
}

func (m *memSnapshots) Save(_ context.Context, s *entity.Snapshot) error {
	if m.saved == nil {
		m.saved = map[string]*entity.Snapshot{}
	}
	m.saved[s.Prefix] = s
	m.saves++
	return nil
}

type memNotifier struct {
	mu     sync.Mutex
	levels []repository.NotifyLevel
}

func (n *memNotifier) Notify(_ context.Context, level repository.NotifyLevel, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.levels = append(n.levels, level)
	return nil
}

func (n *memNotifier) has(level repository.NotifyLevel) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range n.levels {
		if l == level {
			return true
		}
	}
	return false
}

type memResults struct {
	report entity.RunReport
	rows   []repository.ResultRow
}

func (r *memResults) WriteResult(_ context.Context, report entity.RunReport, rows []repository.ResultRow) error {
	r.report, r.rows = report, rows
	return nil
}

func testSource() *config.Source {
	return &config.Source{
		Name: "test-source",
		URL:  "https://example.com/events",
		Selectors: []entity.SelectorSpec{
			{Name: "title", Query: ".ev h3", Mode: entity.ModeText, Multiple: true, Transform: entity.TransformTrim},
			{Name: "venue", Query: ".ev .venue", Mode: entity.ModeText, Multiple: true, Transform: entity.TransformTrim},
		},
		Pagination: entity.PaginationPolicy{Strategy: entity.PaginationNextButton, TriggerSelector: "button.next"},
		Incremental: entity.IncrementalPolicy{
			Enabled:        true,
			IdentityFields: []string{"title", "venue"},
			StatePrefix:    "test",
		},
		Mapping: entity.DefaultFieldMapping(),
		Retry:   config.RetryPolicy{Attempts: 3, Delay: time.Second},
	}
}

type harness struct {
	src       *config.Source
	browser   *fakeBrowser
	publisher *fakePublisher
	snapshots *memSnapshots
	notifier  *memNotifier
	tracker   *dedup.Tracker
	proxies   *proxy.Manager
	sleeps    []time.Duration
}

func newHarness(t *testing.T, src *config.Source, pages ...string) *harness {
	t.Helper()
	h := &harness{
		src:       src,
		browser:   &fakeBrowser{pages: pages},
		publisher: &fakePublisher{},
		snapshots: &memSnapshots{},
		notifier:  &memNotifier{},
	}
	state, err := dedup.LoadLocalState(context.Background(), h.snapshots, src.Incremental.StatePrefix)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	h.tracker = dedup.NewLocalTracker(src.Incremental, state, logger)

	eps, err := proxy.ParseEndpoints([]string{"10.0.0.1:8080", "10.0.0.2:8080"})
	require.NoError(t, err)
	h.proxies = proxy.NewManager(eps, nil, proxy.RoundRobin, logger)
	return h
}

func (h *harness) crawler(t *testing.T, opts ...usecase.Option) usecase.Crawler {
	t.Helper()
	normalizer := normalize.NewNormalizer(h.src.Mapping, h.src.URL, normalize.FormatText,
		normalize.NewDateParser(time.UTC, time.Now))
	opts = append([]usecase.Option{
		usecase.WithNotifier(h.notifier),
		usecase.WithSleep(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
		usecase.WithPaginationOptions(
			pagination.WithSleep(func(context.Context, time.Duration) error { return nil }),
			pagination.WithRand(rand.New(rand.NewPCG(1, 1))),
		),
	}, opts...)
	return usecase.NewCrawlerUseCase(h.src, h.browser, h.tracker, normalizer, h.publisher, h.proxies,
		zaptest.NewLogger(t), opts...)
}

func TestRun_PaginatesPublishesAndCommits(t *testing.T) {
	h := newHarness(t, testSource(), listing("Concert A", "Concert B"), listing("Concert C", "Concert D"))

	report, err := h.crawler(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.RunStatusSucceeded, report.Status)
	assert.Equal(t, 1, report.Attempts)
	assert.Equal(t, 4, report.Extracted)
	assert.Equal(t, 4, report.New)
	assert.Equal(t, 4, report.Published)
	assert.NotEmpty(t, report.RunID)

	require.Len(t, h.publisher.msgs, 4)
	assert.Equal(t, "Concert A", h.publisher.msgs[0].Title)
	assert.Equal(t, "Палац Україна", h.publisher.msgs[0].VenueName)
	assert.Equal(t, "https://example.com/events", h.publisher.msgs[0].SourceURL)
	assert.Equal(t, 1, h.snapshots.saves)
	assert.True(t, h.notifier.has(repository.NotifyInfo))
	assert.True(t, h.notifier.has(repository.NotifySuccess))
}

func TestRun_SecondRunPublishesNothingNew(t *testing.T) {
	h := newHarness(t, testSource(), listing("Concert A", "Concert B"))

	_, err := h.crawler(t).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.publisher.calls)

	report, err := h.crawler(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.New)
	assert.Equal(t, 2, report.Unchanged)
	assert.Equal(t, 0, report.Published)
	assert.Equal(t, 1, h.publisher.calls, "nothing to publish on the second run")
}

func TestRun_MaxItemsTrimsRows(t *testing.T) {
	src := testSource()
	src.MaxItems = 3
	h := newHarness(t, src, listing("A1", "A2"), listing("B1", "B2"), listing("C1", "C2"))

	report, err := h.crawler(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Extracted)
	assert.Len(t, h.publisher.msgs, 3)
}

func TestRun_RetriesWithRotatedIdentity(t *testing.T) {
	h := newHarness(t, testSource(), listing("Concert A"))
	h.browser.errs = []error{&repository.NavigationError{URL: h.src.URL, Status: 429}}

	report, err := h.crawler(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempts)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, h.browser.proxyHosts())
	assert.Equal(t, []time.Duration{time.Second}, h.sleeps)
	assert.True(t, h.notifier.has(repository.NotifyProgress))
}

func TestRun_ExhaustedAttemptsFail(t *testing.T) {
	h := newHarness(t, testSource(), listing("Concert A"))
	unavailable := &repository.NavigationError{URL: h.src.URL, Status: 503}
	h.browser.errs = []error{unavailable, unavailable, unavailable}

	report, err := h.crawler(t).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrNavigationFailed)
	assert.Equal(t, entity.RunStatusFailed, report.Status)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps, "linear backoff")
	assert.Equal(t, 0, h.publisher.calls)
	assert.True(t, h.notifier.has(repository.NotifyCritical))
}

func TestRun_NonRetryableStatusStopsImmediately(t *testing.T) {
	h := newHarness(t, testSource(), listing("Concert A"))
	h.browser.errs = []error{&repository.NavigationError{URL: h.src.URL, Status: 404}}

	report, err := h.crawler(t).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, report.Attempts)
	assert.Empty(t, h.sleeps)
}

func TestRun_DryRunSkipsPublishAndCommit(t *testing.T) {
	h := newHarness(t, testSource(), listing("Concert A", "Concert B"))
	results := &memResults{}

	report, err := h.crawler(t, usecase.WithDryRun(true), usecase.WithResults(results)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.New)
	assert.Equal(t, 0, report.Published)
	assert.Equal(t, 0, h.publisher.calls)
	assert.Equal(t, 0, h.snapshots.saves)
	assert.Len(t, results.rows, 2)
	assert.Equal(t, "new", results.rows[0].Kind)
}

func TestRun_PublishFailureLeavesStateUncommitted(t *testing.T) {
	h := newHarness(t, testSource(), listing("Concert A"))
	h.publisher.err = errors.New("broker down")

	report, err := h.crawler(t).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, entity.RunStatusFailed, report.Status)
	assert.Equal(t, 0, h.snapshots.saves)
}

func TestRun_RowsWithoutTitleAreSkipped(t *testing.T) {
	h := newHarness(t, testSource(), `<html><body><li class="ev"><h3> </h3><span class="venue">Somewhere</span></li></body></html>`)
	h.src.Pagination.Strategy = entity.PaginationNone

	report, err := h.crawler(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Extracted)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, h.publisher.calls)
}

func TestRun_IdentityFromDetailFieldsKeepsListingRows(t *testing.T) {
	src := testSource()
	src.Selectors = append(src.Selectors, entity.SelectorSpec{
		Name: "link", Query: ".ev a", Mode: entity.ModeAttribute, Attribute: "href", Multiple: true,
	})
	src.Pagination.Strategy = entity.PaginationNone
	src.Detail = entity.DetailPolicy{
		URLField: "link",
		Selectors: []entity.SelectorSpec{
			{Name: "starts", Query: ".starts", Mode: entity.ModeText, Transform: entity.TransformTrim},
		},
	}
	src.Incremental.IdentityFields = []string{"title", "starts"}

	page := `<html><body><ul>` +
		`<li class="ev"><h3>Hamlet</h3><span class="venue">Opera</span><a href="/e/1">more</a></li>` +
		`<li class="ev"><h3>Hamlet</h3><span class="venue">Opera</span><a href="/e/2">more</a></li>` +
		`</ul></body></html>`
	h := newHarness(t, src, page)
	h.browser.details = map[string]string{
		"https://example.com/e/1": `<p class="starts">1 March</p>`,
		"https://example.com/e/2": `<p class="starts">2 March</p>`,
	}

	report, err := h.crawler(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Extracted)
	assert.Equal(t, 2, report.Enriched)
	assert.Equal(t, 2, report.New)
	assert.Equal(t, 2, report.Published)
	require.Len(t, h.publisher.msgs, 2)
	assert.NotEqual(t, h.publisher.msgs[0].ID, h.publisher.msgs[1].ID)
}

func TestRun_ClickDetailsFollowListingPositions(t *testing.T) {
	src := testSource()
	src.Pagination.Strategy = entity.PaginationNone
	src.Detail = entity.DetailPolicy{
		ClickSelector: "li.ev",
		Selectors: []entity.SelectorSpec{
			{Name: "description", Query: ".about", Mode: entity.ModeText, Transform: entity.TransformTrim},
		},
	}
	h := newHarness(t, src, listing("Concert A", "Concert A", "Concert B"))
	h.browser.details = map[string]string{
		"li.ev#0": `<p class="about">About A</p>`,
		"li.ev#1": `<p class="about">About A</p>`,
		"li.ev#2": `<p class="about">About B</p>`,
	}

	report, err := h.crawler(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Extracted, "repeated listing row is collected once")

	var indexes []int
	for _, ref := range h.browser.refs {
		indexes = append(indexes, ref.Index)
	}
	assert.ElementsMatch(t, []int{0, 2}, indexes)

	require.Len(t, h.publisher.msgs, 2)
	assert.Equal(t, "Concert A", h.publisher.msgs[0].Title)
	assert.Equal(t, "About A", h.publisher.msgs[0].Description)
	assert.Equal(t, "Concert B", h.publisher.msgs[1].Title)
	assert.Equal(t, "About B", h.publisher.msgs[1].Description)
}
