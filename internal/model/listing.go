package model

// Listing is one property as returned by the listings API. Attributes are
// passed through untouched; nothing here validates or types them.
type Listing map[string]any

// Location identifies one area queried during extraction.
type Location struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}
