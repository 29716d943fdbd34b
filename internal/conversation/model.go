// ABOUTME: Thread, Message and Attachment types plus thread id derivation
// ABOUTME: Conversions to and from the wire payloads live here too

package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/2389/swapchat/internal/wire"
)

// threadNamespace seeds the name-based thread ids.
var threadNamespace = uuid.MustParse("5b0f6a3e-8c1d-4f27-9d52-3a6e1c9b7f40")

// Attachment is an immutable file reference on a message.
type Attachment struct {
	ID          string `cbor:"id"`
	SourceURI   string `cbor:"source_uri"`
	DisplayName string `cbor:"display_name,omitempty"`
	MimeType    string `cbor:"mime_type,omitempty"`
}

// Message is immutable once created. IDs are ULIDs, so they sort by
// creation time.
type Message struct {
	ID          string       `cbor:"id"`
	Sender      string       `cbor:"sender"`
	Body        string       `cbor:"body,omitempty"`
	Attachments []Attachment `cbor:"attachments,omitempty"`
	CreatedAt   time.Time    `cbor:"created_at"`
}

// HasContent reports whether the message carries a body or attachments.
func (m Message) HasContent() bool {
	return m.Body != "" || len(m.Attachments) > 0
}

// Thread is the message history between two users, optionally about a
// topic such as a listing id.
type Thread struct {
	ID           string    `cbor:"id"`
	Participants [2]string `cbor:"participants"`
	Topic        string    `cbor:"topic,omitempty"`
	Messages     []Message `cbor:"messages"`
	CreatedAt    time.Time `cbor:"created_at"`
	UpdatedAt    time.Time `cbor:"updated_at"`
}

// Counterpart returns the participant that is not user.
func (t *Thread) Counterpart(user string) string {
	if t.Participants[0] == user {
		return t.Participants[1]
	}
	return t.Participants[0]
}

// HasParticipant reports whether user is in the thread.
func (t *Thread) HasParticipant(user string) bool {
	return t.Participants[0] == user || t.Participants[1] == user
}

func (t *Thread) hasMessage(id string) bool {
	for i := range t.Messages {
		if t.Messages[i].ID == id {
			return true
		}
	}
	return false
}

func (t *Thread) clone() Thread {
	out := *t
	out.Messages = make([]Message, len(t.Messages))
	for i, m := range t.Messages {
		out.Messages[i] = m.clone()
	}
	return out
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

// normalizePair orders two user ids so {a,b} and {b,a} are the same pair.
func normalizePair(a, b string) [2]string {
	if b < a {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}

// ThreadID derives the id of the thread between a and b about topic.
// Both ends compute the same id regardless of argument order.
func ThreadID(a, b, topic string) string {
	p := normalizePair(a, b)
	return uuid.NewSHA1(threadNamespace, []byte(p[0]+"\x00"+p[1]+"\x00"+topic)).String()
}

// ToWire builds the outbound payload for message m in thread t.
func ToWire(t *Thread, m Message) wire.MessagePayload {
	data := wire.MessageData{
		ID:        m.ID,
		Sender:    m.Sender,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
	}
	for _, a := range m.Attachments {
		data.Attachments = append(data.Attachments, wire.AttachmentData(a))
	}
	return wire.MessagePayload{
		ThreadID:     t.ID,
		Participants: []string{t.Participants[0], t.Participants[1]},
		Topic:        t.Topic,
		Message:      data,
	}
}

// FromWire converts an inbound payload.
func FromWire(p wire.MessagePayload) InboundMessage {
	m := Message{
		ID:        p.Message.ID,
		Sender:    p.Message.Sender,
		Body:      p.Message.Body,
		CreatedAt: p.Message.CreatedAt,
	}
	for _, a := range p.Message.Attachments {
		m.Attachments = append(m.Attachments, Attachment(a))
	}
	return InboundMessage{
		ThreadID:     p.ThreadID,
		Participants: append([]string(nil), p.Participants...),
		Topic:        p.Topic,
		Message:      m,
	}
}
