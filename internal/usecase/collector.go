package usecase

import (
	"context"
	"fmt"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/internal/extractor"
	"github.com/user/event-pipeline/internal/repository"
)

// collector accumulates rows across pagination steps. Rows are keyed by
// their listing content, so a listing that keeps earlier rows in the DOM
// (scroll, load-more) and one that replaces them (next-button) both yield
// each row once, in first-seen order. Identity is not known yet at this
// point: it may depend on detail fields filled in later.
type collector struct {
	specs    []entity.SelectorSpec
	maxItems int

	seen      map[string]struct{}
	rows      []*entity.ExtractedRow
	positions []int
	err       error
}

func newCollector(specs []entity.SelectorSpec, maxItems int) *collector {
	return &collector{
		specs:    specs,
		maxItems: maxItems,
		seen:     make(map[string]struct{}),
	}
}

func (c *collector) collect(ctx context.Context, page repository.Page) error {
	_, err := c.add(ctx, page)
	return err
}

func (c *collector) add(ctx context.Context, page repository.Page) (int, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := extractor.ExtractRows(html, c.specs)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", repository.ErrExtractionFailed, err)
	}

	added := 0
	for pos, row := range rows {
		key, err := row.MarshalJSON()
		if err != nil {
			return added, err
		}
		if _, ok := c.seen[string(key)]; ok {
			continue
		}
		c.seen[string(key)] = struct{}{}
		c.rows = append(c.rows, row)
		c.positions = append(c.positions, pos)
		added++
	}
	return added, nil
}

// stop is the pagination stop predicate: it ends pagination when a step
// exposed no new rows or max_items is reached. Errors are kept for the caller.
func (c *collector) stop(ctx context.Context, page repository.Page, step int) bool {
	added, err := c.add(ctx, page)
	if err != nil {
		c.err = err
		return true
	}
	if c.maxItems > 0 && len(c.rows) >= c.maxItems {
		return true
	}
	return step > 0 && added == 0
}

// result returns the rows and, for each, its match position on the page it
// was extracted from.
func (c *collector) result() ([]*entity.ExtractedRow, []int) {
	if c.maxItems > 0 && len(c.rows) > c.maxItems {
		return c.rows[:c.maxItems], c.positions[:c.maxItems]
	}
	return c.rows, c.positions
}
