package slack

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Events API envelope types.
const (
	EnvelopeURLVerification = "url_verification"
	EnvelopeEventCallback   = "event_callback"
)

// ApprovalEventType tags messages that carry gate correlation metadata.
const ApprovalEventType = "meal_plan_approval"

type Envelope struct {
	Type      string          `json:"type"`
	Token     string          `json:"token,omitempty"`
	Challenge string          `json:"challenge,omitempty"`
	TeamID    string          `json:"team_id,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// MessageEvent is the subset of a message event used for replies.
type MessageEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	Channel  string `json:"channel"`
	User     string `json:"user,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// SubtypeThreadBroadcast marks a thread reply also sent to the channel.
const SubtypeThreadBroadcast = "thread_broadcast"

// humanSubtype reports whether a message subtype can carry a person's reply.
// Edits, joins, bot posts and other system subtypes cannot.
func humanSubtype(subtype string) bool {
	return subtype == "" || subtype == SubtypeThreadBroadcast
}

// IsHumanThreadReply reports whether the event is a reply inside a thread
// written by a person.
func (m MessageEvent) IsHumanThreadReply() bool {
	if m.Type != "message" || m.BotID != "" || !humanSubtype(m.Subtype) {
		return false
	}
	return m.ThreadTS != "" && m.ThreadTS != m.TS
}

// Metadata is attached to posted approval requests.
type Metadata struct {
	EventType    string          `json:"event_type"`
	EventPayload MetadataPayload `json:"event_payload"`
}

type MetadataPayload struct {
	RunID   string `json:"run_id"`
	GateKey string `json:"gate_key"`
}

var ErrNoCorrelation = errors.New("message has no approval metadata")

// Correlation returns the run and gate a metadata block points at.
func (m *Metadata) Correlation() (string, string, error) {
	if m == nil || m.EventType != ApprovalEventType || m.EventPayload.RunID == "" || m.EventPayload.GateKey == "" {
		return "", "", ErrNoCorrelation
	}
	return m.EventPayload.RunID, m.EventPayload.GateKey, nil
}

func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("decode slack envelope: %w", err)
	}
	if env.Type == "" {
		return env, errors.New("slack envelope without type")
	}
	return env, nil
}

func (e Envelope) Message() (MessageEvent, error) {
	var m MessageEvent
	if len(e.Event) == 0 {
		return m, errors.New("envelope has no event")
	}
	if err := json.Unmarshal(e.Event, &m); err != nil {
		return m, fmt.Errorf("decode slack event: %w", err)
	}
	return m, nil
}
