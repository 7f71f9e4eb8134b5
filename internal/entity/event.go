package entity

import (
	"errors"
	"strings"
	"time"
)

var ErrInvalidIdentity = errors.New("message has missing or invalid identity id")

// OutboundEventMessage is the normalized unit placed on the queue.
type OutboundEventMessage struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	CategoryName string     `json:"categoryName,omitempty"`
	VenueName    string     `json:"venueName,omitempty"`
	CategoryID   *int64     `json:"categoryId"`
	VenueID      *int64     `json:"venueId"`
	DateTime     *time.Time `json:"dateTime"`
	DateTimeFrom *time.Time `json:"dateTimeFrom"`
	DateTimeTo   *time.Time `json:"dateTimeTo"`
	PriceFrom    *float64   `json:"priceFrom"`
	SourceURL    string     `json:"sourceUrl"`
}

// Validate checks the identity id, which must be a lowercase hex digest.
func (m OutboundEventMessage) Validate() error {
	if len(m.ID) < 16 || len(m.ID) > 128 {
		return ErrInvalidIdentity
	}
	if strings.IndexFunc(m.ID, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f')
	}) >= 0 {
		return ErrInvalidIdentity
	}
	return nil
}

// StoredEvent is an event row after venue/category resolution.
type StoredEvent struct {
	ExternalID  string
	Title       string
	Description string
	CategoryID  *int64
	VenueID     *int64
	StartsAt    *time.Time
	EndsAt      *time.Time
	PriceFrom   *float64
	SourceURL   string
}

// NamedEntity is a venue or category known to the downstream store.
type NamedEntity struct {
	ID   int64
	Name string
}
