/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package webhook implements the inbound HTTP pipeline: HMAC
// verification, schema validation, normalization of the provider's
// webhook payload into canonical messages/events, deduplication, and
// publish.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/praekeltfoundation/vxwhatsapp/internal/claims"
	"github.com/praekeltfoundation/vxwhatsapp/internal/dedup"
	"github.com/praekeltfoundation/vxwhatsapp/internal/obsmw"
	"github.com/praekeltfoundation/vxwhatsapp/internal/vumi"
	"github.com/praekeltfoundation/vxwhatsapp/internal/vumierr"
)

// Publisher is the narrow interface the handler depends on.
type Publisher interface {
	PublishMessage(ctx context.Context, m vumi.Message) error
	PublishEvent(ctx context.Context, e vumi.Event) error
}

// Handler implements POST /v1/webhook.
type Handler struct {
	HMACSecret     string
	WhatsAppNumber string
	TransportName  string

	Publisher Publisher
	Guard     dedup.Guard
	Claims    claims.Registry

	Logger *log.Logger
}

func (h *Handler) logf(format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	if err := verifyHMAC(h.HMACSecret, r.Header.Get(signatureHeader), body); err != nil {
		h.writeAuthError(w, err)
		return
	}

	schemaErrors, err := validateSchema(body)
	if err != nil {
		h.logf("webhook: schema validation error: %s", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if schemaErrors != nil {
		writeJSON(w, http.StatusBadRequest, schemaErrors)
		return
	}

	// Decoded generically (not into the canonical Message/Event types
	// directly) since the provider payload's shape differs per message
	// type and the schema check above already guarantees its validity.
	var raw struct {
		Contacts []json.RawMessage        `json:"contacts"`
		Messages []map[string]interface{} `json:"messages"`
		Statuses []map[string]interface{} `json:"statuses"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	claimHeader := r.Header.Get("X-Turn-Claim")

	group, ctx := errgroup.WithContext(r.Context())

	for _, m := range raw.Messages {
		m := m
		group.Go(func() error {
			return h.handleInboundMessage(ctx, m, raw.Contacts, claimHeader)
		})
	}
	for _, s := range raw.Statuses {
		s := s
		group.Go(func() error {
			return h.handleStatus(ctx, s)
		})
	}

	if err := group.Wait(); err != nil {
		h.logf("webhook: request failed: %s", err)
		obsmw.CaptureWebhookError(err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (h *Handler) writeAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, vumierr.ErrAuthMissing) {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	http.Error(w, err.Error(), http.StatusForbidden)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// contentForMessage derives the canonical content string per the
// provider message type, per the documented type -> source mapping.
func contentForMessage(m map[string]interface{}) *string {
	msgType, _ := m["type"].(string)
	switch msgType {
	case "system", "contacts", "unknown":
		return nil
	case "text":
		return stringPath(m, "text", "body")
	case "location":
		return stringPath(m, "location", "name")
	case "button":
		return stringPath(m, "button", "text")
	case "interactive":
		interactive, _ := m["interactive"].(map[string]interface{})
		subtype, _ := interactive["type"].(string)
		switch subtype {
		case "list_reply":
			return stringPath(interactive, "list_reply", "title")
		case "button_reply":
			return stringPath(interactive, "button_reply", "title")
		}
		return nil
	default:
		// image, video, document, voice, audio, sticker
		return stringPath(m, msgType, "caption")
	}
}

func stringPath(m map[string]interface{}, keys ...string) *string {
	var cur interface{} = m
	for _, k := range keys {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = obj[k]
		if !ok {
			return nil
		}
	}
	s, ok := cur.(string)
	if !ok {
		return nil
	}
	return &s
}

// residualMessage returns a copy of m with every field the canonical
// message already surfaces elsewhere removed, so transport_metadata
// carries only what wasn't already extracted.
func residualMessage(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	delete(out, "timestamp")
	delete(out, "from")
	delete(out, "id")
	delete(out, "text")

	if button, ok := out["button"].(map[string]interface{}); ok {
		button = shallowCopyMap(button)
		delete(button, "text")
		out["button"] = button
	}
	if location, ok := out["location"].(map[string]interface{}); ok {
		location = shallowCopyMap(location)
		delete(location, "name")
		out["location"] = location
	}
	if context, ok := out["context"].(map[string]interface{}); ok {
		context = shallowCopyMap(context)
		delete(context, "id")
		out["context"] = context
	}
	if interactive, ok := out["interactive"].(map[string]interface{}); ok {
		interactive = shallowCopyMap(interactive)
		if listReply, ok := interactive["list_reply"].(map[string]interface{}); ok {
			listReply = shallowCopyMap(listReply)
			delete(listReply, "title")
			interactive["list_reply"] = listReply
		}
		if buttonReply, ok := interactive["button_reply"].(map[string]interface{}); ok {
			buttonReply = shallowCopyMap(buttonReply)
			delete(buttonReply, "title")
			interactive["button_reply"] = buttonReply
		}
		out["interactive"] = interactive
	}
	msgType, _ := m["type"].(string)
	for _, mediaField := range []string{"image", "video", "document", "voice", "audio", "sticker"} {
		if mediaField != msgType {
			continue
		}
		if media, ok := out[mediaField].(map[string]interface{}); ok {
			media = shallowCopyMap(media)
			delete(media, "caption")
			out[mediaField] = media
		}
	}
	return out
}

func shallowCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (h *Handler) handleInboundMessage(ctx context.Context, m map[string]interface{}, contacts []json.RawMessage, claimHeader string) error {
	msgType, _ := m["type"].(string)
	if msgType == "system" {
		return nil
	}

	id, _ := m["id"].(string)
	from, _ := m["from"].(string)
	timestampStr, _ := m["timestamp"].(string)
	ts, err := parseUnixTimestamp(timestampStr)
	if err != nil {
		return fmt.Errorf("webhook: invalid message timestamp %q: %w", timestampStr, err)
	}

	var inReplyTo *string
	if context, ok := m["context"].(map[string]interface{}); ok {
		if replyID, ok := context["id"].(string); ok {
			inReplyTo = &replyID
		}
	}

	transportMetadata := vumi.Metadata{
		"message": residualMessage(m),
	}
	if len(contacts) > 0 {
		var decoded []interface{}
		for _, c := range contacts {
			var v interface{}
			if err := json.Unmarshal(c, &v); err == nil {
				decoded = append(decoded, v)
			}
		}
		transportMetadata["contacts"] = decoded
	}
	if claimHeader != "" {
		transportMetadata["claim"] = claimHeader
	}

	canonical := vumi.NewMessage(vumi.Message{
		MessageID:         id,
		ToAddr:            h.WhatsAppNumber,
		FromAddr:          from,
		ToAddrType:        vumi.AddressTypeMSISDN,
		FromAddrType:      vumi.AddressTypeMSISDN,
		TransportName:     h.TransportName,
		TransportType:     vumi.TransportTypeHTTPAPI,
		Timestamp:         vumi.NewTimestamp(ts),
		Content:           contentForMessage(m),
		InReplyTo:         inReplyTo,
		SessionEvent:      vumi.SessionEventNone,
		TransportMetadata: transportMetadata,
	})

	return h.dedupeAndPublish(ctx, canonical, claimHeader)
}

var statusToEvent = map[string]struct {
	eventType vumi.EventType
	delivery  vumi.DeliveryStatus
}{
	"sent":      {vumi.EventTypeACK, vumi.DeliveryStatusNone},
	"delivered": {vumi.EventTypeDeliveryReport, vumi.DeliveryStatusDelivered},
	"read":      {vumi.EventTypeDeliveryReport, vumi.DeliveryStatusDelivered},
	"deleted":   {vumi.EventTypeDeliveryReport, vumi.DeliveryStatusDelivered},
	"failed":    {vumi.EventTypeDeliveryReport, vumi.DeliveryStatusFailed},
}

func (h *Handler) handleStatus(ctx context.Context, s map[string]interface{}) error {
	status, _ := s["status"].(string)
	id, _ := s["id"].(string)
	timestampStr, _ := s["timestamp"].(string)

	mapping, ok := statusToEvent[status]
	if !ok {
		return fmt.Errorf("webhook: unknown status %q", status)
	}
	ts, err := parseUnixTimestamp(timestampStr)
	if err != nil {
		return fmt.Errorf("webhook: invalid status timestamp %q: %w", timestampStr, err)
	}

	residual := make(map[string]interface{}, len(s))
	for k, v := range s {
		residual[k] = v
	}

	event := vumi.NewEvent(vumi.Event{
		UserMessageID:  id,
		SentMessageID:  &id,
		EventID:        id,
		EventType:      mapping.eventType,
		DeliveryStatus: mapping.delivery,
		Timestamp:      vumi.NewTimestamp(ts),
		HelperMetadata: residual,
	})

	return h.Publisher.PublishEvent(ctx, event)
}

func parseUnixTimestamp(s string) (time.Time, error) {
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	whole := int64(seconds)
	frac := seconds - float64(whole)
	return time.Unix(whole, int64(frac*float64(time.Second))).UTC(), nil
}

// dedupeAndPublish guards a single publish with the lock+seen-marker
// protocol: while holding "msglock:<id>", skip if already seen,
// otherwise publish and register the claim concurrently, then mark
// seen.
func (h *Handler) dedupeAndPublish(ctx context.Context, m vumi.Message, claimHeader string) error {
	if h.Guard == nil {
		return h.Publisher.PublishMessage(ctx, m)
	}

	var claimPtr *string
	if claimHeader != "" {
		claimPtr = &claimHeader
	}

	return h.Guard.WithLock(ctx, m.MessageID, func(ctx context.Context) error {
		seen, err := h.Guard.Seen(ctx, m.MessageID)
		if err != nil {
			return err
		}
		if seen {
			obsmw.DedupHits.Inc()
			return nil
		}
		obsmw.DedupMisses.Inc()

		group, gctx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return h.Publisher.PublishMessage(gctx, m)
		})
		group.Go(func() error {
			return h.Claims.Store(gctx, claimPtr, m.FromAddr)
		})
		if err := group.Wait(); err != nil {
			return err
		}

		return h.Guard.MarkSeen(ctx, m.MessageID)
	})
}
