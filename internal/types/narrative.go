package types

// NarrativeRequest is a prompt for a text-generation backend
type NarrativeRequest struct {
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Prompt       string  `json:"prompt"`
	Model        string  `json:"model,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float32 `json:"temperature,omitempty"`
}

// Narrative is a human-readable summary of a route and its traffic
type Narrative struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Model  string `json:"model,omitempty"`
}
