package entity

import "time"

type PaginationStrategy string

const (
	PaginationNone           PaginationStrategy = "none"
	PaginationInfiniteScroll PaginationStrategy = "infinite-scroll"
	PaginationLoadMore       PaginationStrategy = "load-more"
	PaginationNextButton     PaginationStrategy = "next-button"
)

// IsClick reports whether the strategy advances by clicking a trigger element.
func (s PaginationStrategy) IsClick() bool {
	return s == PaginationLoadMore || s == PaginationNextButton
}

// PaginationPolicy bounds how a listing page is advanced.
type PaginationPolicy struct {
	Strategy        PaginationStrategy `yaml:"strategy"`
	TriggerSelector string             `yaml:"trigger_selector"`
	// MaxAttempts of 0 means unbounded, subject to a safety ceiling.
	MaxAttempts int           `yaml:"max_attempts"`
	StepDelay   time.Duration `yaml:"step_delay"`
	SettleWait  time.Duration `yaml:"settle_wait"`
}

// IncrementalPolicy configures cross-run deduplication.
type IncrementalPolicy struct {
	Enabled        bool     `yaml:"enabled"`
	IdentityFields []string `yaml:"identity_fields"`
	TrackChanges   bool     `yaml:"track_changes"`
	UpdateExisting bool     `yaml:"update_existing"`
	StatePrefix    string   `yaml:"state_prefix"`
	// Hash is "sha256" (default) or "blake3".
	Hash string `yaml:"hash"`
	// FoldMinorUpdates publishes seen rows whose only changes fill previously
	// empty MinorUpdateFields, even when UpdateExisting is off.
	FoldMinorUpdates  bool     `yaml:"fold_minor_updates"`
	MinorUpdateFields []string `yaml:"minor_update_fields"`
}

// DetailPolicy configures the detail enrichment pool.
type DetailPolicy struct {
	// URLField names the extracted field holding the detail page reference.
	URLField string `yaml:"url_field"`
	// ClickSelector, when set, opens details by clicking the N-th match on the
	// listing page instead of following a URL.
	ClickSelector string         `yaml:"click_selector"`
	Selectors     []SelectorSpec `yaml:"selectors"`
	Concurrency   int            `yaml:"concurrency"`
	Timeout       time.Duration  `yaml:"timeout"`
}

func (p DetailPolicy) Enabled() bool {
	return len(p.Selectors) > 0 && (p.URLField != "" || p.ClickSelector != "")
}

// DetailRef points at the detail page of one row.
type DetailRef struct {
	URL     string
	ListURL string
	// Selector and Index are used for click-to-open references.
	Selector string
	Index    int
}

func (r DetailRef) IsClick() bool { return r.URL == "" && r.Selector != "" }

// FieldMapping names the extracted field feeding each message field.
type FieldMapping struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Category    string `yaml:"category"`
	Venue       string `yaml:"venue"`
	Date        string `yaml:"date"`
	Price       string `yaml:"price"`
	URL         string `yaml:"url"`
}

// DefaultFieldMapping maps every message field to an extracted field of the same name.
func DefaultFieldMapping() FieldMapping {
	return FieldMapping{
		Title:       "title",
		Description: "description",
		Category:    "category",
		Venue:       "venue",
		Date:        "date",
		Price:       "price",
		URL:         "url",
	}
}
