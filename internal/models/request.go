package models

// CostPreference expresses how aggressively the optimizer may trade model
// quality for cost.
type CostPreference string

const (
	CostAggressive   CostPreference = "aggressive"
	CostBalanced     CostPreference = "balanced"
	CostQualityFirst CostPreference = "quality_first"
)

type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

type ChatMessage struct {
	Role  MessageRole   `json:"role"`
	Text  string        `json:"text,omitempty"`
	Parts []ContentPart `json:"parts,omitempty"`
}

// PlainText flattens the message body to text, ignoring non-text parts.
func (m ChatMessage) PlainText() string {
	if m.Text != "" {
		return m.Text
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// AIRequest is the caller-supplied request entering the pipeline.
type AIRequest struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id,omitempty"`
	TeamID       string         `json:"team_id,omitempty"`
	ProjectID    string         `json:"project_id,omitempty"`
	SystemSource string         `json:"system_source,omitempty"`
	Messages     []ChatMessage  `json:"messages"`
	Model        string         `json:"model"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
	Profile      string         `json:"profile,omitempty"`
	CostPref     CostPreference `json:"cost_preference,omitempty"`

	// Prompt carries the legacy single-string form used by steering rule
	// field paths. When empty it is derived from the messages.
	Prompt string `json:"prompt,omitempty"`

	Context map[string]interface{} `json:"context,omitempty"`
}

// PromptText returns the prompt string, falling back to the concatenated
// message bodies.
func (r *AIRequest) PromptText() string {
	if r.Prompt != "" {
		return r.Prompt
	}
	var out string
	for _, m := range r.Messages {
		out += m.PlainText()
	}
	return out
}

// InputChars counts the characters the providers will see as input.
func (r *AIRequest) InputChars() int {
	total := len(r.Prompt)
	for _, m := range r.Messages {
		total += len(m.PlainText())
	}
	return total
}

// AIResponse is the opaque upstream result plus the observations the core
// needs for accounting.
type AIResponse struct {
	RequestID string  `json:"request_id"`
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Body      []byte  `json:"body"`
	Cost      float64 `json:"cost"`
	LatencyMs int64   `json:"latency_ms"`
	Cached    bool    `json:"cached"`
}
