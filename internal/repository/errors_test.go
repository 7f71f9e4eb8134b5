package repository_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/user/event-pipeline/internal/repository"
)

func TestNavigationError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       *repository.NavigationError
		sentinel  error
		retryable bool
		proxy     bool
	}{
		{"rate limited", &repository.NavigationError{URL: "u", Status: 429}, repository.ErrRateLimited, true, true},
		{"forbidden", &repository.NavigationError{URL: "u", Status: 403}, repository.ErrContentRestricted, true, true},
		{"unavailable", &repository.NavigationError{URL: "u", Status: 503}, repository.ErrNavigationFailed, true, false},
		{"not found", &repository.NavigationError{URL: "u", Status: 404}, repository.ErrNavigationFailed, false, false},
		{"tunnel", &repository.NavigationError{URL: "u", Cause: errors.New("page load error net::ERR_TUNNEL_CONNECTION_FAILED")}, repository.ErrProxyFailed, true, true},
		{"timeout", &repository.NavigationError{URL: "u", Cause: fmt.Errorf("wait: %w", context.DeadlineExceeded)}, repository.ErrCrawlTimeout, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.retryable, tt.err.Retryable())
			assert.Equal(t, tt.proxy, tt.err.ProxyRelated())
		})
	}
}

func TestNavigationError_WrapsCause(t *testing.T) {
	cause := context.DeadlineExceeded
	err := fmt.Errorf("attempt 1: %w", &repository.NavigationError{URL: "u", Cause: cause})

	var navErr *repository.NavigationError
	assert.True(t, errors.As(err, &navErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
