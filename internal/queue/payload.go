// Package queue defines the persisted admin-job kinds and their payload
// schemas, plus the reclaimer that recovers jobs from dead workers. Rows and
// lease mechanics live in the store; this package owns what goes into them.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job kinds. The kind selects the payload schema and the worker routine.
const (
	KindLightNotify = "light_notify"
	KindBroadcast   = "broadcast"
)

// payloadVersion guards against schema drift between writer and worker.
const payloadVersion = 1

// LightNotifyPayload describes one section power transition to fan out.
type LightNotifyPayload struct {
	Version    int       `json:"v"`
	BuildingID int       `json:"building_id"`
	SectionID  int       `json:"section_id"`
	EventType  string    `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
	EventID    int64     `json:"event_id"`
	// PrevChange is when the section last changed before this event; zero on
	// the first transition. Used for the "was up/down for N" line.
	PrevChange time.Time `json:"prev_change,omitzero"`
}

// BroadcastPayload is an operator message sent to every active subscriber.
type BroadcastPayload struct {
	Version int    `json:"v"`
	Text    string `json:"text"`
	// Prefix is prepended to the text; empty means the default.
	Prefix string `json:"prefix,omitempty"`
}

// DefaultBroadcastPrefix marks operator broadcasts.
const DefaultBroadcastPrefix = "📢 "

func EncodeLightNotify(p LightNotifyPayload) ([]byte, error) {
	p.Version = payloadVersion
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", KindLightNotify, err)
	}
	return b, nil
}

func DecodeLightNotify(b []byte) (LightNotifyPayload, error) {
	var p LightNotifyPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return LightNotifyPayload{}, fmt.Errorf("decode %s payload: %w", KindLightNotify, err)
	}
	if p.Version != payloadVersion {
		return LightNotifyPayload{}, fmt.Errorf("decode %s payload: unsupported version %d", KindLightNotify, p.Version)
	}
	return p, nil
}

func EncodeBroadcast(p BroadcastPayload) ([]byte, error) {
	p.Version = payloadVersion
	if p.Prefix == "" {
		p.Prefix = DefaultBroadcastPrefix
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", KindBroadcast, err)
	}
	return b, nil
}

func DecodeBroadcast(b []byte) (BroadcastPayload, error) {
	var p BroadcastPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return BroadcastPayload{}, fmt.Errorf("decode %s payload: %w", KindBroadcast, err)
	}
	if p.Version != payloadVersion {
		return BroadcastPayload{}, fmt.Errorf("decode %s payload: unsupported version %d", KindBroadcast, p.Version)
	}
	return p, nil
}
