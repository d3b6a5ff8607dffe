package llm

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Prompt is the full input to a chat call.
type Prompt struct {
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
}

// ChatMessages returns the system prompt, if any, followed by the messages.
func (p *Prompt) ChatMessages() []Message {
	out := make([]Message, 0, len(p.Messages)+1)
	if p.SystemPrompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: p.SystemPrompt})
	}
	return append(out, p.Messages...)
}

// RequestOptions override backend defaults for one call.
type RequestOptions struct {
	Model       string
	Temperature *float64
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }
