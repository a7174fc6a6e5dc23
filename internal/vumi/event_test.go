/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package vumi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	e := NewEvent(Event{
		UserMessageID:  "um1",
		EventID:        "ev1",
		EventType:      EventTypeDeliveryReport,
		DeliveryStatus: DeliveryStatusDelivered,
	})
	encoded, err := EncodeEvent(e)
	require.NoError(t, err)

	decoded, err := DecodeEvent(encoded)
	require.NoError(t, err)
	assert.Equal(t, e.UserMessageID, decoded.UserMessageID)
	assert.Equal(t, e.DeliveryStatus, decoded.DeliveryStatus)
}

func TestEventDeliveryReportRequiresStatus(t *testing.T) {
	e := NewEvent(Event{
		UserMessageID: "um1",
		EventID:       "ev1",
		EventType:     EventTypeDeliveryReport,
	})
	_, err := EncodeEvent(e)
	assert.Error(t, err)
}

func TestEventNackRequiresReason(t *testing.T) {
	e := NewEvent(Event{
		UserMessageID: "um1",
		EventID:       "ev1",
		EventType:     EventTypeNACK,
	})
	_, err := EncodeEvent(e)
	assert.Error(t, err)
}

func TestEventAckRequiresSentMessageID(t *testing.T) {
	e := NewEvent(Event{
		UserMessageID: "um1",
		EventID:       "ev1",
		EventType:     EventTypeACK,
	})
	_, err := EncodeEvent(e)
	assert.Error(t, err)
}
