package collection

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	MaxThemes          = 5
	MaxThemeAttributes = 5
)

var ErrTooManyAttributes = errors.New("theme attribute limit reached")

// Attribute is one display trait a theme stamps onto item metadata.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Theme drives how item metadata URIs are generated. Switching the
// active theme re-skins the whole collection without touching leaves.
type Theme struct {
	Name       string      `json:"name"`
	BaseURI    string      `json:"baseUri"`
	Attributes []Attribute `json:"attributes,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// NewTheme creates a theme with no attributes.
func NewTheme(name, baseURI string) Theme {
	return Theme{
		Name:      name,
		BaseURI:   baseURI,
		CreatedAt: time.Now().UTC(),
	}
}

// AddAttribute appends a trait, up to MaxThemeAttributes.
func (t *Theme) AddAttribute(key, value string) error {
	if len(t.Attributes) >= MaxThemeAttributes {
		return fmt.Errorf("%w: %d attributes set", ErrTooManyAttributes, len(t.Attributes))
	}
	t.Attributes = append(t.Attributes, Attribute{Key: key, Value: value})
	return nil
}

// MetadataURI builds the metadata location for one item. With a tier the
// path gains a lowercased tier segment: {base}/{tier}/{tokenID}.json.
func (t Theme) MetadataURI(tokenID uint64, tier string) string {
	if tier == "" {
		return fmt.Sprintf("%s/%d.json", t.BaseURI, tokenID)
	}
	return fmt.Sprintf("%s/%s/%d.json", t.BaseURI, strings.ToLower(tier), tokenID)
}
