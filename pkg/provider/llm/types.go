package llm

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PartType discriminates the variants of ContentPart.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type PartType

	// Text is set when Type is PartText.
	Text string

	// ImageURL is set when Type is PartImageURL. It is either a remote URL or a
	// data URL ("data:image/jpeg;base64,...").
	ImageURL string
}

// TextPart returns a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart returns an image content part referencing url.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: url}
}

// Message represents a single message in an LLM conversation.
//
// A message carries either plain Content or a list of Parts. When Parts is
// non-empty backends send the multimodal form and ignore Content.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	Content string

	Parts []ContentPart
}

// IsMultimodal reports whether the message must be sent in part form.
func (m Message) IsMultimodal() bool { return len(m.Parts) > 0 }

// HasImage reports whether any part of m is an image.
func (m Message) HasImage() bool {
	for _, p := range m.Parts {
		if p.Type == PartImageURL {
			return true
		}
	}
	return false
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool
}
