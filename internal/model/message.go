package model

import "time"

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

func (d Direction) Valid() bool {
	return d == Inbound || d == Outbound
}

type MessageType string

const (
	TypeText        MessageType = "text"
	TypeImage       MessageType = "image"
	TypeVideo       MessageType = "video"
	TypeAudio       MessageType = "audio"
	TypeDocument    MessageType = "document"
	TypeLocation    MessageType = "location"
	TypeContacts    MessageType = "contacts"
	TypeTemplate    MessageType = "template"
	TypeReaction    MessageType = "reaction"
	TypeInteractive MessageType = "interactive"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeDocument,
		TypeLocation, TypeContacts, TypeTemplate, TypeReaction, TypeInteractive:
		return true
	}
	return false
}

// DeliveryStatus is only meaningful for outbound messages.
type DeliveryStatus string

const (
	StatusQueued    DeliveryStatus = "queued"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case StatusQueued:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

func (s DeliveryStatus) Valid() bool {
	return s == StatusFailed || s.rank() > 0
}

// CanAdvance reports whether a message in status s may move to next.
// Statuses only move forward; read and failed are final.
func (s DeliveryStatus) CanAdvance(next DeliveryStatus) bool {
	if !next.Valid() || s == StatusRead || s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() > s.rank()
}

type Message struct {
	TenantID          string         `json:"tenant_id"`
	ContactPhone      string         `json:"contact_phone"`
	ProviderMessageID string         `json:"provider_message_id"`
	Direction         Direction      `json:"direction"`
	Type              MessageType    `json:"type"`
	Body              string         `json:"body,omitempty"`
	MediaRef          string         `json:"media_ref,omitempty"`
	SenderID          string         `json:"sender_id,omitempty"`
	Status            DeliveryStatus `json:"status,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
	ReplyTo           string         `json:"reply_to,omitempty"`
	ReceivedAt        time.Time      `json:"received_at"`
}

// Sender returns the identity used for grouping. Inbound messages without an
// explicit sender belong to the contact.
func (m Message) Sender() string {
	if m.SenderID != "" {
		return m.SenderID
	}
	if m.Direction == Inbound {
		return m.ContactPhone
	}
	return ""
}

// Less orders messages by timestamp, then provider id.
func Less(a, b Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ProviderMessageID < b.ProviderMessageID
}

type Contact struct {
	TenantID    string    `json:"tenant_id"`
	Phone       string    `json:"phone"`
	CustomerID  string    `json:"customer_id,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
