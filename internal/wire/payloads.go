// ABOUTME: Typed payloads for application frames (message, block, unblock)
// ABOUTME: Validation happens here so store-level handlers only see well-formed data

package wire

import (
	"fmt"
	"time"
)

// AttachmentData is the wire form of a message attachment.
type AttachmentData struct {
	ID          string `json:"id"`
	SourceURI   string `json:"source_uri"`
	DisplayName string `json:"display_name,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// MessageData is the wire form of a single message.
type MessageData struct {
	ID          string           `json:"id"`
	Sender      string           `json:"sender"`
	Body        string           `json:"body,omitempty"`
	Attachments []AttachmentData `json:"attachments,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// MessagePayload carries a message together with the thread it belongs to.
// Participants identify the thread; ThreadID is informational since both
// ends derive the same id from participants and topic.
type MessagePayload struct {
	ThreadID     string      `json:"thread_id,omitempty"`
	Participants []string    `json:"participants"`
	Topic        string      `json:"topic,omitempty"`
	Message      MessageData `json:"message"`
}

// Validate checks the structural invariants of a message payload.
func (p *MessagePayload) Validate() error {
	if len(p.Participants) != 2 {
		return fmt.Errorf("%w: want 2 participants, got %d", ErrMalformedFrame, len(p.Participants))
	}
	a, b := p.Participants[0], p.Participants[1]
	if a == "" || b == "" || a == b {
		return fmt.Errorf("%w: participants must be two distinct users", ErrMalformedFrame)
	}
	if p.Message.ID == "" {
		return fmt.Errorf("%w: message id is required", ErrMalformedFrame)
	}
	if p.Message.Sender != a && p.Message.Sender != b {
		return fmt.Errorf("%w: sender %q is not a participant", ErrMalformedFrame, p.Message.Sender)
	}
	if p.Message.Body == "" && len(p.Message.Attachments) == 0 {
		return fmt.Errorf("%w: message has no content", ErrMalformedFrame)
	}
	return nil
}

// BlockPayload carries a block or unblock edge.
type BlockPayload struct {
	Owner  string `json:"owner"`
	Target string `json:"target"`
}

// Validate checks the edge endpoints.
func (p *BlockPayload) Validate() error {
	if p.Owner == "" || p.Target == "" {
		return fmt.Errorf("%w: owner and target are required", ErrMalformedFrame)
	}
	if p.Owner == p.Target {
		return fmt.Errorf("%w: owner cannot block itself", ErrMalformedFrame)
	}
	return nil
}
