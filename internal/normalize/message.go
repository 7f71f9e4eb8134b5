package normalize

import (
	"errors"
	"fmt"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/pkg/utils"
)

var ErrMissingTitle = errors.New("row has no title")

const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
)

// Normalizer converts extracted rows into outbound messages. It is the only
// place where the open row shape becomes the fixed message shape.
type Normalizer struct {
	mapping    entity.FieldMapping
	baseURL    string
	descFormat string
	dates      *DateParser
}

func NewNormalizer(mapping entity.FieldMapping, baseURL, descFormat string, dates *DateParser) *Normalizer {
	return &Normalizer{mapping: mapping, baseURL: baseURL, descFormat: descFormat, dates: dates}
}

// ToMessage builds the message for row identified by hash. Dates and prices
// that cannot be parsed are left nil.
func (n *Normalizer) ToMessage(hash string, row *entity.ExtractedRow) (entity.OutboundEventMessage, error) {
	msg := entity.OutboundEventMessage{ID: hash}

	msg.Title = collapse(row.Value(n.mapping.Title))
	if msg.Title == "" {
		return msg, ErrMissingTitle
	}

	if raw, ok := row.Get(n.mapping.Description); ok && raw != "" {
		if n.descFormat == FormatMarkdown {
			md, err := DescriptionToMarkdown(raw)
			if err != nil {
				return msg, fmt.Errorf("convert description: %w", err)
			}
			msg.Description = md
		} else {
			msg.Description = DescriptionToText(raw)
		}
	}

	msg.CategoryName = collapse(row.Value(n.mapping.Category))
	msg.VenueName = collapse(row.Value(n.mapping.Venue))

	if raw, ok := row.Get(n.mapping.Date); ok {
		if r, ok := n.dates.Parse(raw); ok {
			from := r.From
			msg.DateTime = &from
			msg.DateTimeFrom = &from
			msg.DateTimeTo = r.To
		}
	}

	if raw, ok := row.Get(n.mapping.Price); ok {
		if p, ok := ParsePrice(raw); ok {
			msg.PriceFrom = &p
		}
	}

	msg.SourceURL = n.baseURL
	if raw, ok := row.Get(n.mapping.URL); ok && raw != "" {
		abs, err := utils.ResolveURL(n.baseURL, raw)
		if err == nil {
			msg.SourceURL = abs
		}
	}
	return msg, nil
}
