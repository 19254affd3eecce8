package llm

// ModelSize selects between the configured small and large models.
type ModelSize string

const (
	SizeSmall ModelSize = "small"
	SizeLarge ModelSize = "large"
)

// Message represents a chat message in a conversation.
type Message struct {
	Role    string  `json:"role"`
	Content string  `json:"content"`
	Images  []Image `json:"images,omitempty"`
}

// Image is inline image input. Data is raw bytes; MediaType is e.g. image/png.
type Image struct {
	MediaType string `json:"media_type"`
	Data      []byte `json:"-"`
}

// Request is one inference call.
type Request struct {
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Size        ModelSize `json:"size,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
}

// Prompt builds a single-user-message request.
func Prompt(text string, size ModelSize) *Request {
	return &Request{
		Messages: []Message{{Role: "user", Content: text}},
		Size:     size,
	}
}

// Response represents a complete response from an LLM provider.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Delta is an incremental update during streaming. A non-nil Err ends the
// stream.
type Delta struct {
	Content string `json:"content,omitempty"`
	Err     error  `json:"-"`
}
