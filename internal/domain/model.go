package domain

// Model identifies an AI model the external agent can be asked to use.
type Model string

// Supported models. The set is closed; anything else is rejected.
const (
	ModelClaudeSonnet45 Model = "claude-sonnet-4.5"
	ModelClaudeSonnet4  Model = "claude-sonnet-4"
	ModelClaudeHaiku45  Model = "claude-haiku-4.5"
	ModelGPT5           Model = "gpt-5"
)

// DefaultModel is used for sessions that never selected a model.
const DefaultModel = ModelClaudeSonnet45

// ModelInfo describes a supported model for listings.
type ModelInfo struct {
	ID      Model  `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

var supportedModels = []ModelInfo{
	{ID: ModelClaudeSonnet45, Name: "Claude Sonnet 4.5", Default: true},
	{ID: ModelClaudeSonnet4, Name: "Claude Sonnet 4"},
	{ID: ModelClaudeHaiku45, Name: "Claude Haiku 4.5 (Fast)"},
	{ID: ModelGPT5, Name: "GPT-5"},
}

// Models returns the supported models in display order.
func Models() []ModelInfo {
	out := make([]ModelInfo, len(supportedModels))
	copy(out, supportedModels)
	return out
}

// Valid reports whether m is one of the supported models.
func (m Model) Valid() bool {
	for _, info := range supportedModels {
		if info.ID == m {
			return true
		}
	}
	return false
}

// ParseModel validates a model identifier.
func ParseModel(s string) (Model, error) {
	m := Model(s)
	if !m.Valid() {
		return "", ErrUnknownModel
	}
	return m, nil
}
