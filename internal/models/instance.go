package models

import (
	"encoding/json"
	"time"
)

// SchemaVersion is stamped on every instance so persisted records can be
// migrated if the State encoding ever changes.
const SchemaVersion = 1

// Event is one entry of an instance's append-only log.
type Event struct {
	Seq        uint64          `json:"seq"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Instance is the core domain object tracked by the registry.
// Shared between the registry, server and storage layers.
type Instance struct {
	ID            string    `json:"id"`
	Schema        int       `json:"schema"`
	State         State     `json:"state"`
	Version       uint64    `json:"version"`
	Events        []Event   `json:"events"`
	CreatedAt     time.Time `json:"created_at"`
	LastMutatedAt time.Time `json:"last_mutated_at"`
}

// Clone returns a deep copy that shares no memory with i.
func (i *Instance) Clone() Instance {
	out := *i
	out.State = i.State.Clone()
	out.Events = make([]Event, len(i.Events))
	for n, ev := range i.Events {
		ev.Payload = append(json.RawMessage(nil), ev.Payload...)
		out.Events[n] = ev
	}
	return out
}

// LastSeq is the sequence number of the newest event, or 0.
func (i *Instance) LastSeq() uint64 {
	if len(i.Events) == 0 {
		return 0
	}
	return i.Events[len(i.Events)-1].Seq
}
