/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package vumi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestMessageRoundTrip(t *testing.T) {
	ts := NewTimestamp(time.Date(2023, 5, 17, 10, 30, 0, 123456000, time.UTC))
	m := NewMessage(Message{
		ToAddr:        "27820001001",
		FromAddr:      "27820001002",
		ToAddrType:    AddressTypeMSISDN,
		FromAddrType:  AddressTypeMSISDN,
		TransportName: "whatsapp",
		TransportType: TransportTypeHTTPAPI,
		Timestamp:     ts,
		Content:       strp("hello"),
		InReplyTo:     strp("abc123"),
		SessionEvent:  SessionEventResume,
		HelperMetadata: Metadata{
			"buttons": []interface{}{"a", "b"},
		},
		TransportMetadata: Metadata{"claim": "test-claim"},
	})

	encoded, err := EncodeMessage(m)
	require.NoError(t, err)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)

	assert.Equal(t, m.MessageID, decoded.MessageID)
	assert.Equal(t, m.ToAddr, decoded.ToAddr)
	assert.Equal(t, m.FromAddr, decoded.FromAddr)
	assert.Equal(t, m.ToAddrType, decoded.ToAddrType)
	assert.True(t, m.Timestamp.Time.Equal(decoded.Timestamp.Time))
	assert.Equal(t, m.Timestamp.Time.Nanosecond(), decoded.Timestamp.Time.Nanosecond())
	assert.Equal(t, *m.Content, *decoded.Content)
	assert.Equal(t, *m.InReplyTo, *decoded.InReplyTo)
	assert.Equal(t, m.SessionEvent, decoded.SessionEvent)
	assert.Equal(t, "test-claim", decoded.TransportMetadata.String("claim"))
}

func TestSessionEventNullRoundTrip(t *testing.T) {
	m := NewMessage(Message{
		ToAddr:        "1",
		FromAddr:      "2",
		TransportName: "whatsapp",
		TransportType: TransportTypeHTTPAPI,
		SessionEvent:  SessionEventNone,
	})
	encoded, err := EncodeMessage(m)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"session_event":null`)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	assert.Equal(t, SessionEventNone, decoded.SessionEvent)
}

func TestDecodeMessageMissingRequiredField(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"from_addr":"1","transport_name":"whatsapp","transport_type":"HTTP_API"}`))
	assert.Error(t, err)
}

func TestDecodeMessageInvalidUTF8(t *testing.T) {
	_, err := DecodeMessage([]byte{0xff, 0xfe, 0xfd})
	assert.Error(t, err)
}

func TestDecodeMessageUnknownEnum(t *testing.T) {
	raw := []byte(`{"to_addr":"1","from_addr":"2","transport_name":"whatsapp","transport_type":"HTTP_API","session_event":"bogus"}`)
	_, err := DecodeMessage(raw)
	assert.Error(t, err)
}

func TestParseVumiTimestampBothForms(t *testing.T) {
	withMicros, err := ParseVumiTimestamp("2023-05-17 10:30:00.123456")
	require.NoError(t, err)
	assert.Equal(t, 123456000, withMicros.Nanosecond())

	withoutMicros, err := ParseVumiTimestamp("2023-05-17 10:30:00")
	require.NoError(t, err)
	assert.Equal(t, 0, withoutMicros.Nanosecond())
}
