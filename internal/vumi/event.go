/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package vumi

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/praekeltfoundation/vxwhatsapp/internal/vumierr"
)

// EventType is a tagged enumeration of the three event kinds an outbound
// message can be acknowledged with.
type EventType string

const (
	EventTypeACK             EventType = "ack"
	EventTypeNACK            EventType = "nack"
	EventTypeDeliveryReport  EventType = "delivery_report"
)

// DeliveryStatus is a tagged enumeration, required iff EventType is
// DeliveryReport.
type DeliveryStatus string

const (
	DeliveryStatusNone      DeliveryStatus = ""
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
)

func (d DeliveryStatus) MarshalJSON() ([]byte, error) {
	if d == DeliveryStatusNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(d))
}

func (d *DeliveryStatus) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = DeliveryStatusNone
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: delivery_status: %s", vumierr.ErrMalformedEnvelope, err)
	}
	*d = DeliveryStatus(str)
	return nil
}

// Event is the canonical event envelope carried on the bus alongside
// Message: ack/nack/delivery_report notifications about a previously
// published outbound message.
type Event struct {
	UserMessageID string `json:"user_message_id" validate:"required"`
	EventID       string `json:"event_id" validate:"required"`
	SentMessageID *string `json:"sent_message_id"`

	EventType EventType `json:"event_type" validate:"required,oneof=ack nack delivery_report"`

	DeliveryStatus DeliveryStatus `json:"delivery_status" validate:"omitempty,oneof=pending failed delivered"`
	NackReason     *string        `json:"nack_reason"`

	HelperMetadata  Metadata `json:"helper_metadata"`
	RoutingMetadata Metadata `json:"routing_metadata"`

	Timestamp Timestamp `json:"timestamp"`

	MessageVersion string `json:"message_version"`
	MessageType    string `json:"message_type"`
}

// EventMessageType is the fixed message_type value for events.
const EventMessageType = "event"

// NewEvent fills in the fixed envelope fields and default metadata maps.
func NewEvent(e Event) Event {
	if e.MessageVersion == "" {
		e.MessageVersion = MessageVersion
	}
	if e.MessageType == "" {
		e.MessageType = EventMessageType
	}
	if e.HelperMetadata == nil {
		e.HelperMetadata = Metadata{}
	}
	if e.RoutingMetadata == nil {
		e.RoutingMetadata = Metadata{}
	}
	return e
}

func init() {
	structValidator.RegisterStructValidation(validateEvent, Event{})
}

// validateEvent enforces the conditional-required rules: delivery_status
// required iff event_type=DELIVERY_REPORT, nack_reason required iff
// event_type=NACK, sent_message_id required iff event_type=ACK.
func validateEvent(sl validator.StructLevel) {
	e := sl.Current().Interface().(Event)
	switch e.EventType {
	case EventTypeDeliveryReport:
		if e.DeliveryStatus == DeliveryStatusNone {
			sl.ReportError(e.DeliveryStatus, "DeliveryStatus", "delivery_status", "required_if_delivery_report", "")
		}
	case EventTypeNACK:
		if e.NackReason == nil || *e.NackReason == "" {
			sl.ReportError(e.NackReason, "NackReason", "nack_reason", "required_if_nack", "")
		}
	case EventTypeACK:
		if e.SentMessageID == nil || *e.SentMessageID == "" {
			sl.ReportError(e.SentMessageID, "SentMessageID", "sent_message_id", "required_if_ack", "")
		}
	}
}

// EncodeEvent validates e and serializes it as UTF-8 JSON.
func EncodeEvent(e Event) ([]byte, error) {
	if err := structValidator.Struct(e); err != nil {
		return nil, fmt.Errorf("%w: %s", vumierr.ErrMalformedEnvelope, err)
	}
	return json.Marshal(e)
}

// DecodeEvent parses raw as a canonical Event.
func DecodeEvent(raw []byte) (Event, error) {
	if !utf8.Valid(raw) {
		return Event{}, fmt.Errorf("%w: invalid UTF-8", vumierr.ErrMalformedEnvelope)
	}
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %s", vumierr.ErrMalformedEnvelope, err)
	}
	if err := structValidator.Struct(e); err != nil {
		return Event{}, fmt.Errorf("%w: %s", vumierr.ErrMalformedEnvelope, err)
	}
	return e, nil
}
