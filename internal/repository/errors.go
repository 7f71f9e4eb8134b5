package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrCrawlTimeout      = errors.New("crawl timed out")
	ErrNavigationFailed  = errors.New("navigation failed")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrContentRestricted = errors.New("content is restricted")
	ErrRateLimited       = errors.New("rate limited")
	ErrProxyFailed       = errors.New("proxy failed")
	ErrNotFound          = errors.New("not found")
)

// NavigationError describes a failed page load, either a network level
// failure or an elevated document status code.
type NavigationError struct {
	URL    string
	Status int
	Cause  error
}

func (e *NavigationError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("navigate %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("navigate %s: %v", e.URL, e.Cause)
}

// Unwrap exposes both the cause and the classified sentinel.
func (e *NavigationError) Unwrap() []error {
	errs := []error{e.kind()}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func (e *NavigationError) kind() error {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Status == http.StatusForbidden || e.Status == http.StatusUnauthorized:
		return ErrContentRestricted
	case e.Status == http.StatusProxyAuthRequired || e.proxyCause():
		return ErrProxyFailed
	case e.timeoutCause():
		return ErrCrawlTimeout
	default:
		return ErrNavigationFailed
	}
}

// Retryable reports whether a later attempt with another identity may succeed.
func (e *NavigationError) Retryable() bool {
	if e.Status == 0 {
		return true
	}
	switch e.Status {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusProxyAuthRequired,
		http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	// Cloudflare style origin errors.
	return e.Status >= 520 && e.Status <= 530
}

// ProxyRelated reports whether the failure should count against the proxy.
func (e *NavigationError) ProxyRelated() bool {
	switch e.kind() {
	case ErrProxyFailed, ErrRateLimited, ErrContentRestricted, ErrCrawlTimeout:
		return true
	}
	return false
}

func (e *NavigationError) proxyCause() bool {
	if e.Cause == nil {
		return false
	}
	msg := e.Cause.Error()
	for _, sig := range []string{"ERR_PROXY_CONNECTION_FAILED", "ERR_TUNNEL_CONNECTION_FAILED", "ERR_NO_SUPPORTED_PROXIES", "ERR_PROXY_AUTH"} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func (e *NavigationError) timeoutCause() bool {
	if e.Cause == nil {
		return false
	}
	if errors.Is(e.Cause, context.DeadlineExceeded) || errors.Is(e.Cause, ErrCrawlTimeout) {
		return true
	}
	msg := e.Cause.Error()
	return strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "ERR_TIMED_OUT")
}
