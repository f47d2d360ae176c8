// Package outcome is the result of dispatching one message to one entity.
//
// An Outcome holds exactly one variant. Constructors are the only way to
// build one, so a caller switching on Kind sees every case.
package outcome

import (
	"github.com/snehjoshi/epochcqrs/internal/types"
)

// Kind names the variant held by an Outcome.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindSuccess
	KindRejection
	KindError
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRejection:
		return "rejection"
	case KindError:
		return "error"
	case KindInterrupted:
		return "interrupted"
	default:
		return "empty"
	}
}

// Outcome is Success, Rejection, Error, Interrupted or Empty.
type Outcome struct {
	kind       Kind
	events     []types.Message
	commands   []types.Message
	rejections []types.Message
	err        error
	reason     string
}

// Success carries produced events and commands. With neither it is Empty.
func Success(events, commands []types.Message) Outcome {
	if len(events) == 0 && len(commands) == 0 {
		return Empty()
	}
	return Outcome{kind: KindSuccess, events: events, commands: commands}
}

// Rejection carries the rejections a handler returned.
func Rejection(rejections ...types.Message) Outcome {
	return Outcome{kind: KindRejection, rejections: rejections}
}

// Error carries a handler failure.
func Error(err error) Outcome {
	return Outcome{kind: KindError, err: err}
}

// Interrupted records a handler that stopped on purpose.
func Interrupted(reason string) Outcome {
	return Outcome{kind: KindInterrupted, reason: reason}
}

// Empty is a handler that produced nothing.
func Empty() Outcome { return Outcome{kind: KindEmpty} }

func (o Outcome) Kind() Kind                  { return o.kind }
func (o Outcome) Events() []types.Message     { return o.events }
func (o Outcome) Commands() []types.Message   { return o.commands }
func (o Outcome) Rejections() []types.Message { return o.rejections }
func (o Outcome) Err() error                  { return o.err }
func (o Outcome) Reason() string              { return o.reason }

// Produced returns every message to post after a commit: events and
// rejections go to the event bus, commands to the command bus.
func (o Outcome) Produced() (events, commands []types.Message) {
	switch o.kind {
	case KindSuccess:
		return o.events, o.commands
	case KindRejection:
		return o.rejections, nil
	default:
		return nil, nil
	}
}

// Classify splits handler output into an Outcome. Any rejection in events
// makes the whole result a Rejection carrying only the rejections.
func Classify(events, commands []types.Message) Outcome {
	var rejections []types.Message
	for _, m := range events {
		if _, ok := m.(types.Rejection); ok {
			rejections = append(rejections, m)
		}
	}
	if len(rejections) > 0 {
		return Rejection(rejections...)
	}
	return Success(events, commands)
}
