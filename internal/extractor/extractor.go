// Package extractor applies declarative field selectors to rendered HTML.
package extractor

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/user/event-pipeline/internal/entity"
)

// Field holds the value(s) a selector produced.
type Field struct {
	Values   []string
	Multiple bool
	// Found is false for a single-valued selector with no match.
	Found bool
}

// Fields maps selector names to extracted values.
type Fields map[string]Field

// Parse builds a goquery document from rendered HTML.
func Parse(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Extract applies specs to doc. A selector that matches nothing is never an
// error; single-valued fields come back with Found false.
func Extract(doc *goquery.Document, specs []entity.SelectorSpec) Fields {
	fields := make(Fields, len(specs))
	for _, spec := range specs {
		sel := doc.Find(spec.Query)
		if spec.Multiple {
			f := Field{Multiple: true, Found: sel.Length() > 0}
			sel.Each(func(_ int, s *goquery.Selection) {
				v, ok := read(s, spec)
				if !ok {
					return
				}
				v = apply(spec.Transform, v)
				if v == "" {
					return
				}
				f.Values = append(f.Values, v)
			})
			fields[spec.Name] = f
			continue
		}

		first := sel.First()
		if first.Length() == 0 {
			fields[spec.Name] = Field{}
			continue
		}
		v, ok := read(first, spec)
		if !ok {
			fields[spec.Name] = Field{}
			continue
		}
		fields[spec.Name] = Field{Values: []string{apply(spec.Transform, v)}, Found: true}
	}
	return fields
}

// Unzip turns parallel multi-valued fields into aligned rows. The row count is
// the longest multi-valued field, or 1 when every field is single-valued.
// Shorter lists leave their missing indices unset.
func Unzip(fields Fields, specs []entity.SelectorSpec) []*entity.ExtractedRow {
	count := 1
	hasMulti := false
	for _, spec := range specs {
		f := fields[spec.Name]
		if !spec.Multiple {
			continue
		}
		if !hasMulti {
			hasMulti = true
			count = 0
		}
		if len(f.Values) > count {
			count = len(f.Values)
		}
	}

	rows := make([]*entity.ExtractedRow, 0, count)
	for i := 0; i < count; i++ {
		row := entity.NewExtractedRow()
		for _, spec := range specs {
			f := fields[spec.Name]
			switch {
			case spec.Multiple && i < len(f.Values):
				row.Set(spec.Name, f.Values[i])
			case !spec.Multiple && f.Found:
				row.Set(spec.Name, f.Values[0])
			default:
				row.SetMissing(spec.Name)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// ExtractRows parses html and returns its unzipped rows.
func ExtractRows(html string, specs []entity.SelectorSpec) ([]*entity.ExtractedRow, error) {
	doc, err := Parse(html)
	if err != nil {
		return nil, err
	}
	return Unzip(Extract(doc, specs), specs), nil
}

// ExtractRow returns a single row for a detail page. Multi-valued fields are
// joined with ", ".
func ExtractRow(html string, specs []entity.SelectorSpec) (*entity.ExtractedRow, error) {
	doc, err := Parse(html)
	if err != nil {
		return nil, err
	}
	fields := Extract(doc, specs)
	row := entity.NewExtractedRow()
	for _, spec := range specs {
		f := fields[spec.Name]
		if len(f.Values) == 0 {
			row.SetMissing(spec.Name)
			continue
		}
		row.Set(spec.Name, strings.Join(f.Values, ", "))
	}
	return row, nil
}

func read(s *goquery.Selection, spec entity.SelectorSpec) (string, bool) {
	switch spec.Mode {
	case entity.ModeMarkup:
		h, err := s.Html()
		if err != nil {
			return "", false
		}
		return h, true
	case entity.ModeAttribute:
		return s.Attr(spec.Attribute)
	default:
		return s.Text(), true
	}
}

func apply(t entity.Transform, v string) string {
	switch t {
	case entity.TransformTrim:
		return strings.TrimSpace(v)
	case entity.TransformLowercase:
		return strings.ToLower(v)
	case entity.TransformUppercase:
		return strings.ToUpper(v)
	default:
		return v
	}
}
