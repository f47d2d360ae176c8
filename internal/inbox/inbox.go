// Package inbox turns routed envelopes into inbox records and hands stored
// records back to entity endpoints.
//
// There is one Inbox per entity type. Send(env) returns a Sender on which the
// caller names the endpoint role: ToHandler for commands, ToReactor or
// ToSubscriber for events, ToDeleter for deletions.
//
// With sharding enabled every target gets one record written to storage and
// the shard is notified. With sharding disabled the endpoint runs inline on
// the caller's goroutine and nothing is stored.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/epochcqrs/internal/envelope"
	"github.com/snehjoshi/epochcqrs/internal/metrics"
	"github.com/snehjoshi/epochcqrs/internal/node"
	"github.com/snehjoshi/epochcqrs/internal/shard"
	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/tenant"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

var (
	// ErrLabelNotFound is returned when no endpoint is registered for a label.
	ErrLabelNotFound = errors.New("inbox: no endpoint for label")
	// ErrDuplicateEndpoint is returned when a label is registered twice.
	ErrDuplicateEndpoint = errors.New("inbox: endpoint already registered")
	// ErrDuplicate is the cause wrapped by every DuplicateError.
	ErrDuplicate = errors.New("inbox: duplicate delivery")
	// ErrAlreadySent is returned when a Sender is used twice.
	ErrAlreadySent = errors.New("inbox: sender already used")
	// ErrUndeliverable marks records that can never be delivered, e.g. an
	// unknown message type. The delivery engine dead-letters them at once.
	ErrUndeliverable = errors.New("inbox: undeliverable record")
)

// DuplicateError is handed to Endpoint.OnError instead of dispatching a
// record whose envelope already reached the same inbox.
type DuplicateError struct {
	InboxID    types.InboxID
	EnvelopeID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("inbox: envelope %s already delivered to %s", e.EnvelopeID, e.InboxID)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

// Endpoint performs one message-to-entity dispatch cycle.
type Endpoint interface {
	// DispatchTo delivers the envelope to entity id. Handler failures are
	// reported through diagnostics, not returned; a returned error means the
	// attempt itself failed (e.g. storage) and may be retried.
	DispatchTo(ctx context.Context, id string) error

	// OnError is told about envelopes that were not dispatched.
	OnError(ctx context.Context, env *envelope.Envelope, err error)
}

// EndpointFunc builds the endpoint of one label for one envelope.
type EndpointFunc func(env *envelope.Envelope) Endpoint

// Notifier is told that a shard has new pending records.
type Notifier func(ctx context.Context, shard types.ShardIndex)

// Options configures an Inbox. Storage and Types are required when sharding
// is enabled.
type Options struct {
	Storage  storage.InboxStorage
	Sharding shard.Coordinator
	Types    *envelope.TypeRegistry
	Notify   Notifier
	Clock    *Clock
	Logger   *slog.Logger
	Metrics  *metrics.Registry
}

// Inbox is the delivery coordinator of one entity type.
type Inbox struct {
	typeURL string
	opts    Options

	mu        sync.RWMutex
	endpoints map[types.InboxLabel]EndpointFunc
}

// New returns the inbox of entity type typeURL.
func New(typeURL string, opts Options) *Inbox {
	if opts.Sharding == nil {
		opts.Sharding = shard.Disabled{}
	}
	if opts.Clock == nil {
		opts.Clock = DefaultClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Inbox{
		typeURL:   typeURL,
		opts:      opts,
		endpoints: make(map[types.InboxLabel]EndpointFunc),
	}
}

// TypeURL returns the entity type served by the inbox.
func (i *Inbox) TypeURL() string { return i.typeURL }

// Register sets the endpoint of label.
func (i *Inbox) Register(label types.InboxLabel, fn EndpointFunc) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.endpoints[label]; ok {
		return fmt.Errorf("%w: %s %s", ErrDuplicateEndpoint, i.typeURL, label)
	}
	i.endpoints[label] = fn
	return nil
}

// Labels returns the registered labels.
func (i *Inbox) Labels() []types.InboxLabel {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]types.InboxLabel, 0, len(i.endpoints))
	for l := range i.endpoints {
		out = append(out, l)
	}
	return out
}

func (i *Inbox) endpoint(label types.InboxLabel) (EndpointFunc, error) {
	i.mu.RLock()
	fn, ok := i.endpoints[label]
	i.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrLabelNotFound, i.typeURL, label)
	}
	return fn, nil
}

// ─── Sending ─────────────────────────────────────────────────────────────────

// Sender is the pending send of one envelope. Only the first To* call
// sends; later calls return ErrAlreadySent.
type Sender struct {
	inbox *Inbox
	env   *envelope.Envelope
	used  atomic.Bool
}

// Send starts sending env to this inbox.
func (i *Inbox) Send(env *envelope.Envelope) *Sender {
	return &Sender{inbox: i, env: env}
}

// ToHandler sends a command to the entity that handles it.
func (s *Sender) ToHandler(ctx context.Context, id string) error {
	return s.send(ctx, types.LabelHandleCommand, []string{id})
}

// ToReactor sends an event to one reacting entity.
func (s *Sender) ToReactor(ctx context.Context, id string) error {
	return s.send(ctx, types.LabelReactUponEvent, []string{id})
}

// ToAllReactors sends an event to every reacting entity in ids.
func (s *Sender) ToAllReactors(ctx context.Context, ids []string) error {
	return s.send(ctx, types.LabelReactUponEvent, ids)
}

// ToSubscriber sends an event to one subscribed projection.
func (s *Sender) ToSubscriber(ctx context.Context, id string) error {
	return s.send(ctx, types.LabelUpdateSubscriber, []string{id})
}

// ToAllSubscribers sends an event to every subscribed projection in ids.
func (s *Sender) ToAllSubscribers(ctx context.Context, ids []string) error {
	return s.send(ctx, types.LabelUpdateSubscriber, ids)
}

// ToDeleter asks the entity to delete itself. The request is queued behind
// the entity's other messages.
func (s *Sender) ToDeleter(ctx context.Context, id string) error {
	return s.send(ctx, types.LabelDeleteEntity, []string{id})
}

func (s *Sender) send(ctx context.Context, label types.InboxLabel, ids []string) error {
	if !s.used.CompareAndSwap(false, true) {
		return ErrAlreadySent
	}
	return s.inbox.send(ctx, s.env, label, ids)
}

func (i *Inbox) send(ctx context.Context, env *envelope.Envelope, label types.InboxLabel, ids []string) error {
	fn, err := i.endpoint(label)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	ctx = tenant.With(ctx, env.Tenant())

	if !i.opts.Sharding.Enabled() {
		for _, id := range ids {
			if err := fn(env).DispatchTo(ctx, id); err != nil {
				return fmt.Errorf("inbox: dispatch %s to %s/%s: %w", env.ID(), i.typeURL, id, err)
			}
		}
		return nil
	}
	return i.store(ctx, env, label, ids)
}

// store writes one record per target. Writes are not atomic across
// targets: when one fails, the records already written stay pending and
// their shards are still notified.
func (i *Inbox) store(ctx context.Context, env *envelope.Envelope, label types.InboxLabel, ids []string) error {
	if i.opts.Storage == nil {
		return fmt.Errorf("inbox: %s has sharding enabled but no storage", i.typeURL)
	}
	payload, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	var shards []types.ShardIndex
	seen := make(map[types.ShardIndex]bool)
	defer func() {
		if i.opts.Notify == nil {
			return
		}
		for _, s := range shards {
			i.opts.Notify(ctx, s)
		}
	}()
	for _, id := range ids {
		recID, err := node.NewID()
		if err != nil {
			return fmt.Errorf("inbox: record id: %w", err)
		}
		inboxID := types.InboxID{TypeURL: i.typeURL, EntityID: id}
		msg := &types.InboxMessage{
			ID:           recID,
			SignalID:     inboxID.SignalID(env.ID()),
			InboxID:      inboxID,
			Shard:        i.opts.Sharding.WhichShardFor(id),
			Label:        label,
			Tenant:       env.Tenant(),
			Kind:         env.Kind(),
			MessageType:  env.Type(),
			Payload:      payload,
			WhenReceived: i.opts.Clock.Next(),
			Status:       types.StatusToDeliver,
		}
		if err := i.opts.Storage.Write(ctx, msg); err != nil {
			return fmt.Errorf("inbox: write %s for %s: %w", env.ID(), inboxID, err)
		}
		i.opts.Metrics.Enqueued(i.typeURL, label.String())
		i.opts.Logger.Debug("inbox record written",
			"record", msg.ID, "envelope", env.ID(), "inbox", inboxID.String(),
			"label", label.String(), "shard", msg.Shard.String())
		if !seen[msg.Shard] {
			seen[msg.Shard] = true
			shards = append(shards, msg.Shard)
		}
	}
	return nil
}

// ─── Delivering ──────────────────────────────────────────────────────────────

// Deliver hands a stored record to its endpoint inside the record's tenant.
// A duplicate record goes to OnError with a *DuplicateError instead.
// Errors wrapping ErrUndeliverable will fail on every retry.
func (i *Inbox) Deliver(ctx context.Context, msg *types.InboxMessage, duplicate bool) error {
	if i.opts.Types == nil {
		return fmt.Errorf("%w: %s has no type registry", ErrUndeliverable, i.typeURL)
	}
	env, err := envelope.Decode(msg.Payload, i.opts.Types)
	if err != nil {
		return fmt.Errorf("%w: record %s: %w", ErrUndeliverable, msg.ID, err)
	}
	fn, err := i.endpoint(msg.Label)
	if err != nil {
		return fmt.Errorf("%w: record %s: %w", ErrUndeliverable, msg.ID, err)
	}
	ctx = tenant.With(ctx, msg.Tenant)
	ep := fn(env)

	if duplicate {
		ep.OnError(ctx, env, &DuplicateError{InboxID: msg.InboxID, EnvelopeID: env.ID()})
		i.opts.Metrics.Duplicate(i.typeURL)
		return nil
	}
	if err := ep.DispatchTo(ctx, msg.InboxID.EntityID); err != nil {
		return err
	}
	i.opts.Metrics.Delivered(i.typeURL, msg.Label.String(), time.Duration(i.opts.Clock.Now()-msg.WhenReceived))
	return nil
}

// ─── Registry ────────────────────────────────────────────────────────────────

// Registry finds the inbox of an entity type.
type Registry struct {
	mu      sync.RWMutex
	inboxes map[string]*Inbox
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{inboxes: make(map[string]*Inbox)}
}

// Add registers i under its type URL.
func (r *Registry) Add(i *Inbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inboxes[i.typeURL]; ok {
		return fmt.Errorf("inbox: %s already registered", i.typeURL)
	}
	r.inboxes[i.typeURL] = i
	return nil
}

// Get returns the inbox of typeURL.
func (r *Registry) Get(typeURL string) (*Inbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.inboxes[typeURL]
	return i, ok
}
