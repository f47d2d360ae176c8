// Package types contains the core domain types shared across all EpochCQRS
// internal packages. It deliberately has zero imports of other EpochCQRS
// packages so that both the storage layer and the delivery layer can import
// from it without creating import cycles.
package types

import "strconv"

// Message is implemented by every command, event and rejection payload.
// MessageType is the stable name under which the payload is registered and
// persisted, e.g. "tasks.CreateTask".
type Message interface {
	MessageType() string
}

// Rejection is an event telling that a command broke a business rule. It is
// returned by a handler as a value, like any other event.
type Rejection interface {
	Message
	Rejection()
}

// Kind tells commands from events.
type Kind uint8

const (
	KindCommand Kind = iota + 1
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// InboxLabel names the endpoint role that must receive an inbox message.
type InboxLabel uint8

const (
	LabelHandleCommand InboxLabel = iota + 1
	LabelReactUponEvent
	LabelUpdateSubscriber
	LabelDeleteEntity
)

// String returns the label in the upper-case form used in logs and metrics.
func (l InboxLabel) String() string {
	switch l {
	case LabelHandleCommand:
		return "HANDLE_COMMAND"
	case LabelReactUponEvent:
		return "REACT_UPON_EVENT"
	case LabelUpdateSubscriber:
		return "UPDATE_SUBSCRIBER"
	case LabelDeleteEntity:
		return "DELETE_ENTITY"
	default:
		return "UNKNOWN"
	}
}

// InboxStatus is the lifecycle state of an inbox message.
type InboxStatus uint8

const (
	// StatusToDeliver means the message waits for its shard to be processed.
	StatusToDeliver InboxStatus = iota
	// StatusDelivered means the message was dispatched (or discarded as a
	// duplicate). It is kept until the dedup window passes.
	StatusDelivered
	// StatusDeadLetter means the message failed too many times, or could
	// never be delivered, and waits for an operator.
	StatusDeadLetter
)

// String returns a human-readable representation of the status.
func (s InboxStatus) String() string {
	switch s {
	case StatusToDeliver:
		return "to_deliver"
	case StatusDelivered:
		return "delivered"
	case StatusDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// InboxID identifies the destination of an inbox message: an entity type and
// one instance of it.
type InboxID struct {
	TypeURL  string `json:"type_url"`
	EntityID string `json:"entity_id"`
}

func (id InboxID) String() string { return id.TypeURL + "/" + id.EntityID }

// SignalID builds the deduplication key of an envelope sent to this inbox.
func (id InboxID) SignalID(envelopeID string) string {
	return id.String() + "#" + envelopeID
}

// ShardIndex is a partition of the entity id space. Of is the total number
// of shards and must be the same for every process sharing a storage.
type ShardIndex struct {
	Index int `json:"index"`
	Of    int `json:"of"`
}

func (s ShardIndex) String() string {
	return strconv.Itoa(s.Index) + "/" + strconv.Itoa(s.Of)
}

// InboxMessage is the persisted record of one envelope routed to one target.
//
// Rules:
//   - ID is a monotonic ULID; WhenReceived is strictly increasing within a
//     process and is the ordering key inside a shard.
//   - SignalID is unique per (envelope, target) pair and is the dedup key.
//   - Payload holds the encoded envelope; the record never interprets it.
type InboxMessage struct {
	ID           string      `json:"id"`
	SignalID     string      `json:"signal_id"`
	InboxID      InboxID     `json:"inbox_id"`
	Shard        ShardIndex  `json:"shard"`
	Label        InboxLabel  `json:"label"`
	Tenant       string      `json:"tenant,omitempty"`
	Kind         Kind        `json:"kind"`
	MessageType  string      `json:"message_type"`
	Payload      []byte      `json:"payload"`
	WhenReceived int64       `json:"when_received"`
	Status       InboxStatus `json:"status"`

	// Attempt counts failed delivery attempts that were left for retry.
	Attempt     int    `json:"attempt,omitempty"`
	DeliveredAt int64  `json:"delivered_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Clone returns a shallow copy of the message.
func (m *InboxMessage) Clone() *InboxMessage {
	c := *m
	return &c
}

// Before reports whether m sorts before other in delivery order.
func (m *InboxMessage) Before(other *InboxMessage) bool {
	if m.WhenReceived != other.WhenReceived {
		return m.WhenReceived < other.WhenReceived
	}
	return m.ID < other.ID
}
