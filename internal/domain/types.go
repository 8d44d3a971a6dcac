package domain

import "time"

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the normalized inbound chat-completions request.
type ChatRequest struct {
	Messages       []Message `json:"messages"`
	Model          string    `json:"model,omitempty"`
	Temperature    *float64  `json:"temperature,omitempty"`
	MaxTokens      *int      `json:"max_tokens,omitempty"`
	TopP           *float64  `json:"top_p,omitempty"`
	Stop           []string  `json:"stop,omitempty"`
	ForcedProvider string    `json:"provider,omitempty"`
}

// Normalize fills in default values for any field the caller left unset.
func (r *ChatRequest) Normalize() {
	if r.Model == "" {
		r.Model = "llama-70b"
	}
	if r.Temperature == nil {
		t := 0.7
		r.Temperature = &t
	}
	if r.MaxTokens == nil {
		m := 1024
		r.MaxTokens = &m
	}
	if r.TopP == nil {
		p := 1.0
		r.TopP = &p
	}
}

// Validate checks the bounds a normalized request must satisfy. Call
// Normalize first.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "must contain at least one message"}
	}
	for _, m := range r.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return &ValidationError{Field: "messages", Reason: "message has invalid role: " + m.Role}
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return &ValidationError{Field: "temperature", Reason: "must be in [0, 2]"}
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return &ValidationError{Field: "max_tokens", Reason: "must be positive"}
	}
	if r.TopP != nil && (*r.TopP <= 0 || *r.TopP > 1) {
		return &ValidationError{Field: "top_p", Reason: "must be in (0, 1]"}
	}
	return nil
}

// Choice is a single completion choice, OpenAI-shaped.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage is OpenAI-shaped token accounting for one response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the OpenAI-shaped response augmented with the two
// conductor extensions: which provider and which key answered.
type ChatResponse struct {
	ID              string   `json:"id"`
	Object          string   `json:"object"`
	Created         int64    `json:"created"`
	Model           string   `json:"model"`
	Choices         []Choice `json:"choices"`
	Usage           Usage    `json:"usage"`
	Provider        string   `json:"provider"`
	ProviderKeyName string   `json:"provider_key_name"`
}

// ValidationError reports a single bad-request field, surfaced as a 422.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// Model is one entry of the /v1/models listing.
type Model struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

// ModelsResponse is the /v1/models payload.
type ModelsResponse struct {
	Data         []Model `json:"data"`
	Object       string  `json:"object"`
	DefaultModel string  `json:"default_model"`
}

// KeyStatus is one row of the Ledger's snapshot, shaped for /status.
type KeyStatus struct {
	Provider          string    `json:"provider"`
	KeyName           string    `json:"key_name"`
	RequestsRemaining int       `json:"requests_remaining"`
	TokensRemaining   int       `json:"tokens_remaining"`
	RequestsPerMinute int       `json:"requests_per_minute"`
	TokensPerMinute   int       `json:"tokens_per_minute"`
	ResetAt           time.Time `json:"reset_at"`
	IsAvailable       bool      `json:"is_available"`
}

// BatchFailure is one failed slot in a BatchResult.
type BatchFailure struct {
	Index        int    `json:"index"`
	ErrorMessage string `json:"error_message"`
}

// BatchResult is the aggregated output shape of the Batch Coordinator.
type BatchResult struct {
	Responses   []*ChatResponse `json:"responses"`
	Failed      []BatchFailure  `json:"failed"`
	TotalTimeMs float64         `json:"total_time_ms"`
}

// BatchRequest is the inbound payload for /v1/batch/chat/completions.
// WaitForAll is a pointer because it defaults to true: a plain bool would
// decode an omitted field to false and silently switch every unadorned
// batch request into cancel-the-rest-after-majority mode.
type BatchRequest struct {
	Requests   []ChatRequest `json:"requests"`
	WaitForAll *bool         `json:"wait_for_all"`
}

// EffectiveWaitForAll returns the requested wait_for_all semantics,
// defaulting to true when the field was omitted from the request body.
func (b BatchRequest) EffectiveWaitForAll() bool {
	if b.WaitForAll == nil {
		return true
	}
	return *b.WaitForAll
}

// StatusResponse is the /status payload: every key's live state plus the
// totals a dashboard would want without summing client-side.
type StatusResponse struct {
	Keys              []KeyStatus `json:"keys"`
	TotalKeys         int         `json:"total_keys"`
	AvailableKeys     int         `json:"available_keys"`
	RequestsRemaining int         `json:"requests_remaining_total"`
	TokensRemaining   int         `json:"tokens_remaining_total"`
}
