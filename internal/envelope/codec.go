package envelope

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/snehjoshi/epochcqrs/internal/types"
)

// ErrUnknownType is returned when decoding a payload whose message type was
// never registered.
var ErrUnknownType = errors.New("envelope: unknown message type")

// Decoder turns a serialized payload back into a typed message.
type Decoder func(data []byte) (types.Message, error)

// TypeRegistry maps message type names to decoders. It is filled while the
// model is being set up and only read afterwards.
type TypeRegistry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{decoders: make(map[string]Decoder)}
}

// Register adds message type M to r and returns its type name. Registering
// the same type again is a no-op, since several entities may share an event.
func Register[M types.Message](r *TypeRegistry) string {
	var zero M
	name := zero.MessageType()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[name]; !ok {
		r.decoders[name] = func(data []byte) (types.Message, error) {
			p := new(M)
			if err := sonic.Unmarshal(data, p); err != nil {
				return nil, err
			}
			return *p, nil
		}
	}
	return name
}

// Known reports whether typ has a decoder.
func (r *TypeRegistry) Known(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[typ]
	return ok
}

// Decode decodes a payload of the given type.
func (r *TypeRegistry) Decode(typ string, data []byte) (types.Message, error) {
	r.mu.RLock()
	dec, ok := r.decoders[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	msg, err := dec(data)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode %s: %w", typ, err)
	}
	return msg, nil
}

// wire is the persisted form of an Envelope. Field names never change;
// inbox records written by older builds must stay readable.
type wire struct {
	ID        string                 `json:"id"`
	Kind      types.Kind             `json:"kind"`
	Type      string                 `json:"type"`
	Payload   sonic.NoCopyRawMessage `json:"payload"`
	Origin    string                 `json:"origin,omitempty"`
	Root      string                 `json:"root,omitempty"`
	Tenant    string                 `json:"tenant,omitempty"`
	Actor     string                 `json:"actor,omitempty"`
	Producer  string                 `json:"producer,omitempty"`
	Timestamp int64                  `json:"ts"`
	External  bool                   `json:"external,omitempty"`
	DeliverAt int64                  `json:"deliver_at,omitempty"`
}

// Encode serializes e for storage in an inbox record.
func Encode(e *Envelope) ([]byte, error) {
	payload, err := sonic.Marshal(e.msg)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %s payload: %w", e.Type(), err)
	}
	w := wire{
		ID:        e.id,
		Kind:      e.kind,
		Type:      e.Type(),
		Payload:   payload,
		Origin:    e.origin,
		Root:      e.root,
		Tenant:    e.tenant,
		Actor:     e.actor,
		Producer:  e.producer,
		Timestamp: e.timestamp.UnixNano(),
		External:  e.external,
	}
	if !e.deliverAt.IsZero() {
		w.DeliverAt = e.deliverAt.UnixNano()
	}
	data, err := sonic.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %s: %w", e.id, err)
	}
	return data, nil
}

// Decode restores an envelope written by Encode.
func Decode(data []byte, reg *TypeRegistry) (*Envelope, error) {
	var w wire
	if err := sonic.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	msg, err := reg.Decode(w.Type, w.Payload)
	if err != nil {
		return nil, err
	}
	e := &Envelope{
		id:        w.ID,
		kind:      w.Kind,
		msg:       msg,
		origin:    w.Origin,
		root:      w.Root,
		tenant:    w.Tenant,
		actor:     w.Actor,
		producer:  w.Producer,
		timestamp: time.Unix(0, w.Timestamp).UTC(),
		external:  w.External,
	}
	if w.DeliverAt != 0 {
		e.deliverAt = time.Unix(0, w.DeliverAt).UTC()
	}
	return e, nil
}
