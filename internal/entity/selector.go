package entity

// ExtractionMode selects what is read from a matched element.
type ExtractionMode string

const (
	ModeText      ExtractionMode = "text"
	ModeMarkup    ExtractionMode = "markup"
	ModeAttribute ExtractionMode = "attribute"
)

// Transform is applied to every extracted value before it is stored.
type Transform string

const (
	TransformNone      Transform = "none"
	TransformTrim      Transform = "trim"
	TransformLowercase Transform = "lowercase"
	TransformUppercase Transform = "uppercase"
)

// SelectorSpec describes one field to extract from a rendered page.
type SelectorSpec struct {
	Name      string         `yaml:"name" json:"name"`
	Query     string         `yaml:"query" json:"query"`
	Mode      ExtractionMode `yaml:"mode" json:"mode"`
	Attribute string         `yaml:"attribute,omitempty" json:"attribute,omitempty"`
	Multiple  bool           `yaml:"multiple" json:"multiple"`
	Transform Transform      `yaml:"transform,omitempty" json:"transform,omitempty"`
}
