package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/pkg/utils"
)

const (
	RotationRoundRobin = "round-robin"
	RotationRandom     = "random"

	DescriptionText     = "text"
	DescriptionMarkdown = "markdown"
)

// Source is the declarative run configuration of one listing source.
type Source struct {
	Name         string                   `yaml:"name"`
	URL          string                   `yaml:"url"`
	WaitSelector string                   `yaml:"wait_selector"`
	Selectors    []entity.SelectorSpec    `yaml:"selectors"`
	Pagination   entity.PaginationPolicy  `yaml:"pagination"`
	Incremental  entity.IncrementalPolicy `yaml:"incremental"`
	Detail       entity.DetailPolicy      `yaml:"detail"`
	Mapping      entity.FieldMapping      `yaml:"mapping"`
	Proxies      []string                 `yaml:"proxies"`
	UserAgents   []string                 `yaml:"user_agents"`
	Rotation     string                   `yaml:"rotation"`
	Retry        RetryPolicy              `yaml:"retry"`
	Output       OutputPolicy             `yaml:"output"`
	// MaxItems stops pagination once this many rows are visible. 0 disables it.
	MaxItems          int    `yaml:"max_items"`
	DescriptionFormat string `yaml:"description_format"`
}

type RetryPolicy struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

type OutputPolicy struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// FieldError is one invalid configuration field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }

// ValidationError lists every invalid field of a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// LoadSource reads, defaults and validates a source file.
func LoadSource(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source config: %w", err)
	}
	return ParseSource(data)
}

func ParseSource(data []byte) (*Source, error) {
	var src Source
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, &ValidationError{Errors: []FieldError{{Field: "(document)", Message: err.Error()}}}
	}
	src.ApplyDefaults()
	if err := src.Validate(); err != nil {
		return nil, err
	}
	return &src, nil
}

// IsValidationError reports whether err is a configuration validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func (s *Source) ApplyDefaults() {
	for i := range s.Selectors {
		defaultSelector(&s.Selectors[i])
	}
	for i := range s.Detail.Selectors {
		defaultSelector(&s.Detail.Selectors[i])
	}
	if s.Pagination.Strategy == "" {
		s.Pagination.Strategy = entity.PaginationNone
	}
	if s.Incremental.Hash == "" {
		s.Incremental.Hash = utils.HashSHA256
	}
	if s.Incremental.StatePrefix == "" {
		s.Incremental.StatePrefix = s.Name
	}
	if s.Detail.Concurrency == 0 {
		s.Detail.Concurrency = 3
	}
	if s.Detail.Timeout == 0 {
		s.Detail.Timeout = 30 * time.Second
	}
	if s.Rotation == "" {
		s.Rotation = RotationRoundRobin
	}
	if s.Retry.Attempts == 0 {
		s.Retry.Attempts = 3
	}
	if s.Retry.Delay == 0 {
		s.Retry.Delay = 5 * time.Second
	}
	if s.Output.Enabled && s.Output.Path == "" {
		s.Output.Path = s.Name + ".json"
	}
	if s.DescriptionFormat == "" {
		s.DescriptionFormat = DescriptionText
	}

	def := entity.DefaultFieldMapping()
	m := &s.Mapping
	setDefault(&m.Title, def.Title)
	setDefault(&m.Description, def.Description)
	setDefault(&m.Category, def.Category)
	setDefault(&m.Venue, def.Venue)
	setDefault(&m.Date, def.Date)
	setDefault(&m.Price, def.Price)
	setDefault(&m.URL, def.URL)
}

func setDefault(dst *string, val string) {
	if *dst == "" {
		*dst = val
	}
}

func defaultSelector(sel *entity.SelectorSpec) {
	if sel.Mode == "" {
		sel.Mode = entity.ModeText
	}
	if sel.Transform == "" {
		sel.Transform = entity.TransformNone
	}
}

// Validate reports every offending field. It never touches the network.
func (s *Source) Validate() error {
	ve := &ValidationError{}

	if strings.TrimSpace(s.Name) == "" {
		ve.add("name", "is required")
	}
	if u, err := url.Parse(s.URL); s.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.add("url", "must be an absolute http(s) URL")
	}

	if len(s.Selectors) == 0 {
		ve.add("selectors", "at least one selector is required")
	}
	known := validateSelectors(ve, "selectors", s.Selectors)
	detailFields := validateSelectors(ve, "detail.selectors", s.Detail.Selectors)
	for name := range detailFields {
		known[name] = struct{}{}
	}

	p := s.Pagination
	switch p.Strategy {
	case entity.PaginationNone, entity.PaginationInfiniteScroll, entity.PaginationLoadMore, entity.PaginationNextButton:
	default:
		ve.add("pagination.strategy", "unknown strategy %q", p.Strategy)
	}
	if p.Strategy.IsClick() && strings.TrimSpace(p.TriggerSelector) == "" {
		ve.add("pagination.trigger_selector", "is required for strategy %q", p.Strategy)
	}
	if p.MaxAttempts < 0 {
		ve.add("pagination.max_attempts", "must not be negative")
	}
	if p.StepDelay < 0 || p.SettleWait < 0 {
		ve.add("pagination", "delays must not be negative")
	}

	inc := s.Incremental
	if inc.Enabled {
		if len(inc.IdentityFields) == 0 {
			ve.add("incremental.identity_fields", "must not be empty when incremental is enabled")
		}
		for i, f := range inc.IdentityFields {
			if _, ok := known[f]; !ok {
				ve.add(fmt.Sprintf("incremental.identity_fields[%d]", i), "unknown field %q", f)
			}
		}
	}
	if inc.Hash != utils.HashSHA256 && inc.Hash != utils.HashBLAKE3 {
		ve.add("incremental.hash", "must be %q or %q", utils.HashSHA256, utils.HashBLAKE3)
	}

	if len(s.Detail.Selectors) > 0 && s.Detail.URLField == "" && s.Detail.ClickSelector == "" {
		ve.add("detail", "url_field or click_selector is required when detail selectors are set")
	}
	if s.Detail.ClickSelector != "" && s.Detail.URLField == "" && p.Strategy != entity.PaginationNone {
		ve.add("detail.click_selector", "cannot be combined with pagination strategy %q", p.Strategy)
	}
	if s.Detail.URLField != "" {
		if _, ok := known[s.Detail.URLField]; !ok {
			ve.add("detail.url_field", "unknown field %q", s.Detail.URLField)
		}
	}
	if s.Detail.Concurrency < 0 {
		ve.add("detail.concurrency", "must not be negative")
	}

	if _, ok := known[s.Mapping.Title]; !ok {
		ve.add("mapping.title", "unknown field %q", s.Mapping.Title)
	}

	for i, raw := range s.Proxies {
		if _, err := entity.ParseProxyEndpoint(raw); err != nil {
			ve.add(fmt.Sprintf("proxies[%d]", i), "%v", err)
		}
	}
	if s.Rotation != RotationRoundRobin && s.Rotation != RotationRandom {
		ve.add("rotation", "must be %q or %q", RotationRoundRobin, RotationRandom)
	}
	if s.Retry.Attempts < 1 {
		ve.add("retry.attempts", "must be at least 1")
	}
	if s.Retry.Delay < 0 {
		ve.add("retry.delay", "must not be negative")
	}
	if s.MaxItems < 0 {
		ve.add("max_items", "must not be negative")
	}
	if s.DescriptionFormat != DescriptionText && s.DescriptionFormat != DescriptionMarkdown {
		ve.add("description_format", "must be %q or %q", DescriptionText, DescriptionMarkdown)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateSelectors(ve *ValidationError, path string, specs []entity.SelectorSpec) map[string]struct{} {
	names := make(map[string]struct{}, len(specs))
	for i, sel := range specs {
		field := fmt.Sprintf("%s[%d]", path, i)
		if sel.Name == "" {
			ve.add(field+".name", "is required")
		} else if _, dup := names[sel.Name]; dup {
			ve.add(field+".name", "duplicate field %q", sel.Name)
		}
		names[sel.Name] = struct{}{}
		if strings.TrimSpace(sel.Query) == "" {
			ve.add(field+".query", "is required")
		}
		switch sel.Mode {
		case entity.ModeText, entity.ModeMarkup:
		case entity.ModeAttribute:
			if sel.Attribute == "" {
				ve.add(field+".attribute", "is required for attribute mode")
			}
		default:
			ve.add(field+".mode", "unknown mode %q", sel.Mode)
		}
		switch sel.Transform {
		case entity.TransformNone, entity.TransformTrim, entity.TransformLowercase, entity.TransformUppercase:
		default:
			ve.add(field+".transform", "unknown transform %q", sel.Transform)
		}
	}
	return names
}
