package chromedp_crawler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"

	"github.com/user/event-pipeline/internal/repository"
)

const scrollStateJS = `({
	y: window.scrollY,
	vh: window.innerHeight,
	vw: window.innerWidth,
	sh: Math.max(document.body.scrollHeight, document.documentElement.scrollHeight)
})`

const clickableJS = `(() => {
	const el = document.querySelector(%s);
	if (!el || el.disabled || el.getAttribute("aria-disabled") === "true") return false;
	const st = window.getComputedStyle(el);
	if (st.display === "none" || st.visibility === "hidden" || st.pointerEvents === "none") return false;
	const r = el.getBoundingClientRect();
	return r.width > 0 && r.height > 0;
})()`

// page is the main tab of a session.
type page struct {
	session *session
	tab     context.Context
	url     string
}

func (p *page) URL() string { return p.url }

func (p *page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, stop := p.session.bind(ctx, p.tab, p.session.crawler.timeout)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (p *page) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

func (p *page) WaitVisible(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %q: %w", selector, err)
	}
	return nil
}

func (p *page) ScrollBy(ctx context.Context, dy float64) error {
	return p.run(ctx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %.0f)", dy), nil))
}

func (p *page) ScrollState(ctx context.Context) (repository.ScrollState, error) {
	var raw struct {
		Y  float64 `json:"y"`
		VH float64 `json:"vh"`
		VW float64 `json:"vw"`
		SH float64 `json:"sh"`
	}
	if err := p.run(ctx, chromedp.Evaluate(scrollStateJS, &raw)); err != nil {
		return repository.ScrollState{}, err
	}
	return repository.ScrollState{Y: raw.Y, ViewportHeight: raw.VH, ViewportWidth: raw.VW, ScrollHeight: raw.SH}, nil
}

func (p *page) IsClickable(ctx context.Context, selector string) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(clickableJS, quoted), &ok)); err != nil {
		return false, err
	}
	return ok, nil
}

func (p *page) Click(ctx context.Context, selector string) error {
	return p.run(ctx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
	)
}

func (p *page) MoveMouse(ctx context.Context, x, y float64) error {
	return p.run(ctx, chromedp.MouseEvent(input.MouseMoved, x, y))
}
