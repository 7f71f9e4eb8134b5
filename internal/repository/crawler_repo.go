package repository

import (
	"context"

	"github.com/user/event-pipeline/internal/entity"
)

// CrawlerRepository starts browser sessions bound to an outbound identity.
type CrawlerRepository interface {
	// Open launches a browser session that routes through identity.
	Open(ctx context.Context, identity entity.Identity) (BrowserSession, error)
}

// BrowserSession is one browser context. Pages and detail fetches opened from
// it share cookies and the outbound identity.
type BrowserSession interface {
	DetailFetcher
	// Navigate loads url in the session's main tab. Elevated document status
	// codes are reported as *NavigationError.
	Navigate(ctx context.Context, url string) (Page, error)
	Close() error
}

// Page is a rendered document that can be advanced by scrolling or clicking.
type Page interface {
	URL() string
	HTML(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, selector string) error
	ScrollBy(ctx context.Context, dy float64) error
	ScrollState(ctx context.Context) (ScrollState, error)
	// IsClickable reports whether selector matches a visible, enabled element.
	IsClickable(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	MoveMouse(ctx context.Context, x, y float64) error
}

// ScrollState is the scroll position of the document.
type ScrollState struct {
	Y              float64
	ViewportHeight float64
	ViewportWidth  float64
	ScrollHeight   float64
}

// AtBottom reports whether the viewport has reached the end of the scrollable area.
func (s ScrollState) AtBottom() bool {
	return s.Y+s.ViewportHeight >= s.ScrollHeight-2
}

// DetailFetcher returns the rendered HTML of a row's detail page.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, ref entity.DetailRef) (string, error)
}
