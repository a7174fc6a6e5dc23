/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package vumi implements the canonical "Vumi"-style message and event
// envelopes that travel over the AMQP bus, and their JSON codec.
package vumi

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/praekeltfoundation/vxwhatsapp/internal/vumierr"
)

// MessageVersion is the fixed Vumi wire-protocol version.
const MessageVersion = "20110921"

// MessageType is the fixed message_type value for user messages.
const MessageType = "user_message"

const vumiDateLayout = "2006-01-02 15:04:05.000000"
const vumiDateLayoutNoMicros = "2006-01-02 15:04:05"

// SessionEvent is a tagged enumeration with an explicit "null" variant:
// SessionEventNone is always written as JSON null (the field is never
// omitted), and both null and an absent field decode to it.
type SessionEvent string

const (
	SessionEventNone   SessionEvent = ""
	SessionEventNew    SessionEvent = "new"
	SessionEventResume SessionEvent = "resume"
	SessionEventClose  SessionEvent = "close"
)

func (s SessionEvent) valid() bool {
	switch s {
	case SessionEventNone, SessionEventNew, SessionEventResume, SessionEventClose:
		return true
	}
	return false
}

// MarshalJSON renders SessionEventNone as JSON null, matching the Python
// source's Enum(None) sentinel.
func (s SessionEvent) MarshalJSON() ([]byte, error) {
	if s == SessionEventNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

func (s *SessionEvent) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = SessionEventNone
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: session_event: %s", vumierr.ErrMalformedEnvelope, err)
	}
	v := SessionEvent(str)
	if !v.valid() {
		return fmt.Errorf("%w: unknown session_event %q", vumierr.ErrMalformedEnvelope, str)
	}
	*s = v
	return nil
}

// AddressType is a tagged enumeration; the only current variant is MSISDN.
type AddressType string

const (
	AddressTypeNone   AddressType = ""
	AddressTypeMSISDN AddressType = "msisdn"
)

func (a AddressType) MarshalJSON() ([]byte, error) {
	if a == AddressTypeNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(a))
}

func (a *AddressType) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*a = AddressTypeNone
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: addr_type: %s", vumierr.ErrMalformedEnvelope, err)
	}
	if str != string(AddressTypeMSISDN) {
		return fmt.Errorf("%w: unknown address type %q", vumierr.ErrMalformedEnvelope, str)
	}
	*a = AddressType(str)
	return nil
}

// TransportType is a tagged enumeration; the only current variant is
// HTTP_API (the provider is always reached over HTTP).
type TransportType string

const (
	TransportTypeHTTPAPI TransportType = "HTTP_API"
)

// Metadata is an opaque JSON object that must survive a round-trip
// intact. It is modeled as a free-form map rather than a fixed record,
// with key-typed accessors for the documented keys.
type Metadata map[string]interface{}

// String reads a documented string-valued key, returning "" if absent or
// not a string.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key].(string)
	if !ok {
		return ""
	}
	return v
}

// Bool reads a documented truthy key (string "claim"-style helper
// metadata is sometimes a bool, e.g. automation_handle).
func (m Metadata) Bool(key string) bool {
	if m == nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v != ""
	}
	return m[key] != nil
}

// Slice reads a documented array-valued key.
func (m Metadata) Slice(key string) []interface{} {
	if m == nil {
		return nil
	}
	v, _ := m[key].([]interface{})
	return v
}

// Map reads a documented object-valued key.
func (m Metadata) Map(key string) Metadata {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case Metadata:
		return v
	case map[string]interface{}:
		return Metadata(v)
	}
	return nil
}

// Timestamp wraps time.Time so we can give it the Vumi wire format
// (microsecond precision, UTC) while still decoding the microsecond-less
// form the provider sometimes sends.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates to microsecond precision and forces UTC, since
// that is all the wire format can carry.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Microsecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(vumiDateLayout))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: timestamp: %s", vumierr.ErrMalformedEnvelope, err)
	}
	parsed, err := ParseVumiTimestamp(str)
	if err != nil {
		return err
	}
	*t = Timestamp{parsed}
	return nil
}

// ParseVumiTimestamp accepts both the microsecond and non-microsecond
// forms of the Vumi timestamp.
func ParseVumiTimestamp(str string) (time.Time, error) {
	if parsed, err := time.Parse(vumiDateLayout, str); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.Parse(vumiDateLayoutNoMicros, str); err == nil {
		return parsed.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", vumierr.ErrMalformedEnvelope, str)
}

// Message is the canonical wire envelope carried between the webhook
// handler, the bus, and the outbound consumer.
type Message struct {
	MessageID string `json:"message_id" validate:"required"`

	ToAddr   string `json:"to_addr" validate:"required"`
	FromAddr string `json:"from_addr" validate:"required"`

	ToAddrType   AddressType `json:"to_addr_type"`
	FromAddrType AddressType `json:"from_addr_type"`

	TransportName string        `json:"transport_name" validate:"required"`
	TransportType TransportType `json:"transport_type" validate:"required,oneof=HTTP_API"`

	MessageVersion string `json:"message_version"`
	MessageType    string `json:"message_type"`

	Timestamp Timestamp `json:"timestamp"`

	Content *string `json:"content"`

	InReplyTo *string `json:"in_reply_to"`

	SessionEvent SessionEvent `json:"session_event"`

	HelperMetadata    Metadata `json:"helper_metadata"`
	TransportMetadata Metadata `json:"transport_metadata"`
	RoutingMetadata   Metadata `json:"routing_metadata"`

	Provider *string `json:"provider"`
	Group    *string `json:"group"`
}

// NewMessage applies the standard defaults: a random message_id, the
// fixed message_version/message_type, and a now-timestamp, unless
// already set on the passed-in value.
func NewMessage(m Message) Message {
	if m.MessageID == "" {
		m.MessageID = uuid.New().String()
	}
	if m.MessageVersion == "" {
		m.MessageVersion = MessageVersion
	}
	if m.MessageType == "" {
		m.MessageType = MessageType
	}
	if m.Timestamp.Time.IsZero() {
		m.Timestamp = NewTimestamp(time.Now())
	}
	if m.HelperMetadata == nil {
		m.HelperMetadata = Metadata{}
	}
	if m.TransportMetadata == nil {
		m.TransportMetadata = Metadata{}
	}
	if m.RoutingMetadata == nil {
		m.RoutingMetadata = Metadata{}
	}
	return m
}

var structValidator = validator.New()

// EncodeMessage validates m and serializes it as UTF-8 JSON.
func EncodeMessage(m Message) ([]byte, error) {
	if err := structValidator.Struct(m); err != nil {
		return nil, fmt.Errorf("%w: %s", vumierr.ErrMalformedEnvelope, err)
	}
	return json.Marshal(m)
}

// DecodeMessage parses raw as a canonical Message, failing with
// ErrMalformedEnvelope on invalid UTF-8, non-JSON, a missing required
// field, or an unknown enum value.
func DecodeMessage(raw []byte) (Message, error) {
	if !utf8.Valid(raw) {
		return Message{}, fmt.Errorf("%w: invalid UTF-8", vumierr.ErrMalformedEnvelope)
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %s", vumierr.ErrMalformedEnvelope, err)
	}
	if err := structValidator.Struct(m); err != nil {
		return Message{}, fmt.Errorf("%w: %s", vumierr.ErrMalformedEnvelope, err)
	}
	return m, nil
}
