package main

import (
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/epochcqrs/internal/types"
)

// record is the printed form of an inbox record. The payload is left out.
type record struct {
	ID          string `json:"id" yaml:"id"`
	Inbox       string `json:"inbox" yaml:"inbox"`
	Label       string `json:"label" yaml:"label"`
	MessageType string `json:"message_type" yaml:"message_type"`
	Tenant      string `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	Shard       string `json:"shard" yaml:"shard"`
	Status      string `json:"status" yaml:"status"`
	Received    string `json:"received" yaml:"received"`
	Attempt     int    `json:"attempt,omitempty" yaml:"attempt,omitempty"`
	LastError   string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

func toRecords(msgs []*types.InboxMessage) []record {
	out := make([]record, len(msgs))
	for i, m := range msgs {
		out[i] = record{
			ID:          m.ID,
			Inbox:       m.InboxID.String(),
			Label:       m.Label.String(),
			MessageType: m.MessageType,
			Tenant:      m.Tenant,
			Shard:       m.Shard.String(),
			Status:      m.Status.String(),
			Received:    nanos(m.WhenReceived),
			Attempt:     m.Attempt,
			LastError:   m.LastError,
		}
	}
	return out
}

func nanos(n int64) string {
	if n == 0 {
		return ""
	}
	return time.Unix(0, n).UTC().Format(time.RFC3339Nano)
}

// write prints v as yaml or indented json.
func write(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		b, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	default:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}
}
