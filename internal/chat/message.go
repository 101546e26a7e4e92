package chat

// Role identifies the author of a message.
type Role string

const (
	// RoleSystem marks session-local context. System messages are exempt
	// from truncation and are never transmitted to the provider.
	RoleSystem Role = "system"

	// RoleUser marks caller-supplied input.
	RoleUser Role = "user"

	// RoleModel marks provider output (and externally injected content
	// treated as a model turn).
	RoleModel Role = "model"
)

// PartKind discriminates the content variants of a Part.
type PartKind string

const (
	PartText PartKind = "text"
	PartBlob PartKind = "blob"
)

// Part is one content fragment of a message: either plain text or an
// inline binary attachment.
type Part struct {
	Kind PartKind `json:"kind"`
	Text string   `json:"text,omitempty"`

	// Blob fields, set when Kind == PartBlob.
	MIMEType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// TextPart returns a text content part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// BlobPart returns a binary attachment part.
func BlobPart(mimeType string, data []byte) Part {
	return Part{Kind: PartBlob, MIMEType: mimeType, Data: data}
}

// Message is one entry of a conversation. Messages are immutable once
// appended; Conversation hands out copies, never internal slices.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// NewSystemMessage builds a system message from text.
func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{TextPart(text)}}
}

// NewUserMessage builds a user message from text.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

// NewModelMessage builds a model message from text.
func NewModelMessage(text string) Message {
	return Message{Role: RoleModel, Parts: []Part{TextPart(text)}}
}

// Text concatenates the text parts of the message in order. Blob parts
// contribute nothing.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// clone returns an independent copy of the message.
func (m Message) clone() Message {
	parts := make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		cp := p
		if p.Data != nil {
			cp.Data = make([]byte, len(p.Data))
			copy(cp.Data, p.Data)
		}
		parts[i] = cp
	}
	return Message{Role: m.Role, Parts: parts}
}
