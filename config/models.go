package config

// SettingRange bounds one tunable generation setting in the UI.
type SettingRange struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
}

// Model describes one entry of the model catalog.
type Model struct {
	ID          string                  `json:"id"`
	DisplayName string                  `json:"displayName,omitempty"`
	Provider    string                  `json:"provider,omitempty"`
	UpstreamID  string                  `json:"upstreamId,omitempty"`
	MaxTokens   int                     `json:"maxTokens,omitempty"`
	Settings    map[string]SettingRange `json:"settings,omitempty"`
	Deprecated  bool                    `json:"deprecated,omitempty"`
}

// Catalog is the models.json shape.
type Catalog struct {
	Models []Model `json:"models"`

	byID map[string]*Model
}

func (c *Catalog) buildIndex() {
	c.byID = make(map[string]*Model, len(c.Models))
	for i := range c.Models {
		c.byID[c.Models[i].ID] = &c.Models[i]
	}
}

// Model looks a model up by catalog ID, nil when absent.
func (c *Catalog) Model(id string) *Model {
	if c.byID == nil {
		return nil
	}
	return c.byID[id]
}

// legacyUpstream maps historical model IDs to upstream IDs for logs and
// configs written before the catalog carried explicit upstream mappings.
// An explicit models.json entry always wins.
var legacyUpstream = map[string]string{
	"claude-3-opus":     "claude-3-opus-20240229",
	"claude-3-sonnet":   "claude-3-sonnet-20240229",
	"claude-3-haiku":    "claude-3-haiku-20240307",
	"claude-3-5-sonnet": "claude-3-5-sonnet-20241022",
	"claude-3-5-haiku":  "claude-3-5-haiku-20241022",
	"gpt-4":             "gpt-4-0613",
	"gpt-4-turbo":       "gpt-4-turbo-2024-04-09",
	"gpt-4o":            "gpt-4o-2024-08-06",
}

// UpstreamID resolves a catalog model ID to the ID sent upstream. Resolution
// order: explicit catalog mapping, legacy fallback table, the ID itself.
func (c *Catalog) UpstreamID(modelID string) string {
	if m := c.Model(modelID); m != nil && m.UpstreamID != "" {
		return m.UpstreamID
	}
	if up, ok := legacyUpstream[modelID]; ok {
		return up
	}
	return modelID
}
