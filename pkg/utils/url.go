package utils

import (
	"net/url"
	"strings"
)

// ToAbsoluteURL converts a relative URL to an absolute URL given a base URL.
func ToAbsoluteURL(base *url.URL, relative string) (string, error) {
	relURL, err := url.Parse(strings.TrimSpace(relative))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(relURL).String(), nil
}

// ResolveURL is ToAbsoluteURL for a base given as a string.
func ResolveURL(base, relative string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return ToAbsoluteURL(b, relative)
}
