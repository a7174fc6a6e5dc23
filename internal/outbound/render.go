/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package outbound

import (
	"context"
	"fmt"

	"github.com/praekeltfoundation/vxwhatsapp/internal/claims"
	"github.com/praekeltfoundation/vxwhatsapp/internal/turnapi"
	"github.com/praekeltfoundation/vxwhatsapp/internal/urlvalidate"
	"github.com/praekeltfoundation/vxwhatsapp/internal/vumi"
)

// rendered is the fully-built outbound request: the path (relative to
// the provider's base URL), extra headers, and the JSON body.
type rendered struct {
	Path    string
	Headers map[string]string
	Body    map[string]interface{}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// render builds the HTTP request for m: resolves the claim-extend/
// release headers and registry side effect, then constructs the body
// per the buttons > sections > document > image > text priority.
func render(ctx context.Context, m vumi.Message, registry claims.Registry, media *MediaCache) (*rendered, error) {
	headers := map[string]string{}
	path := ""

	claim := m.TransportMetadata.String("claim")
	if claim != "" {
		switch m.SessionEvent {
		case vumi.SessionEventNone, vumi.SessionEventResume:
			headers["X-Turn-Claim-Extend"] = claim
			if err := registry.Store(ctx, &claim, m.ToAddr); err != nil {
				return nil, fmt.Errorf("outbound: extend claim: %w", err)
			}
		case vumi.SessionEventClose:
			headers["X-Turn-Claim-Release"] = claim
			if m.HelperMetadata.Bool("automation_handle") && m.InReplyTo != nil && *m.InReplyTo != "" {
				path = turnapi.AutomationPath(*m.InReplyTo)
				headers["Accept"] = "application/vnd.v1+json"
			}
			if err := registry.Delete(ctx, &claim, m.ToAddr); err != nil {
				return nil, fmt.Errorf("outbound: release claim: %w", err)
			}
		}
	}

	content := ""
	if m.Content != nil {
		content = *m.Content
	}

	body := map[string]interface{}{"to": m.ToAddr}

	switch {
	case len(m.HelperMetadata.Slice("buttons")) > 0:
		if err := renderButtons(ctx, m, media, content, body); err != nil {
			return nil, err
		}
	case len(m.HelperMetadata.Slice("sections")) > 0:
		renderSections(m, content, body)
	case m.HelperMetadata.String("document") != "":
		if err := renderDocument(ctx, m, media, body); err != nil {
			return nil, err
		}
	case m.HelperMetadata.String("image") != "":
		if err := renderImage(ctx, m, media, content, body); err != nil {
			return nil, err
		}
	default:
		body["text"] = map[string]interface{}{"body": content}
	}

	return &rendered{Path: path, Headers: headers, Body: body}, nil
}

func renderButtons(ctx context.Context, m vumi.Message, media *MediaCache, content string, body map[string]interface{}) error {
	buttons := m.HelperMetadata.Slice("buttons")
	if len(buttons) > 3 {
		buttons = buttons[:3]
	}
	replyButtons := make([]map[string]interface{}, 0, len(buttons))
	for _, b := range buttons {
		opt, _ := b.(string)
		replyButtons = append(replyButtons, map[string]interface{}{
			"type": "reply",
			"reply": map[string]interface{}{
				"id":    truncate(opt, 256),
				"title": truncate(opt, 20),
			},
		})
	}

	body["type"] = "interactive"
	interactive := map[string]interface{}{
		"type": "button",
		"body": map[string]interface{}{"text": truncate(content, 1024)},
		"action": map[string]interface{}{
			"buttons": replyButtons,
		},
	}

	if header := m.HelperMetadata.String("header"); header != "" {
		headerField, err := renderButtonHeader(ctx, media, header)
		if err != nil {
			return err
		}
		interactive["header"] = headerField
	}
	if footer := m.HelperMetadata.String("footer"); footer != "" {
		interactive["footer"] = map[string]interface{}{"text": truncate(footer, 60)}
	}

	body["interactive"] = interactive
	return nil
}

func renderButtonHeader(ctx context.Context, media *MediaCache, header string) (map[string]interface{}, error) {
	if !urlvalidate.Valid(header) {
		return map[string]interface{}{"type": "text", "text": truncate(header, 60)}, nil
	}

	id, contentType, err := media.GetMediaID(ctx, header)
	if err != nil {
		return nil, err
	}
	switch contentType {
	case "image/jpeg", "image/png":
		return map[string]interface{}{"type": "image", "image": map[string]interface{}{"id": id}}, nil
	case "video/mp4", "video/3gpp":
		return map[string]interface{}{"type": "video", "video": map[string]interface{}{"id": id}}, nil
	default:
		return map[string]interface{}{
			"type": "document",
			"document": map[string]interface{}{
				"id":       id,
				"filename": filenameFromURL(header),
			},
		}, nil
	}
}

func renderSections(m vumi.Message, content string, body map[string]interface{}) {
	sections := m.HelperMetadata.Slice("sections")
	if len(sections) > 10 {
		sections = sections[:10]
	}
	truncatedSections := make([]interface{}, 0, len(sections))
	for _, s := range sections {
		section, ok := s.(map[string]interface{})
		if !ok {
			truncatedSections = append(truncatedSections, s)
			continue
		}
		out := shallowCopy(section)
		if rows, ok := section["rows"].([]interface{}); ok {
			truncatedRows := make([]interface{}, 0, len(rows))
			for _, r := range rows {
				row, ok := r.(map[string]interface{})
				if !ok {
					truncatedRows = append(truncatedRows, r)
					continue
				}
				outRow := shallowCopy(row)
				if id, ok := row["id"].(string); ok {
					outRow["id"] = truncate(id, 200)
				}
				if title, ok := row["title"].(string); ok {
					outRow["title"] = truncate(title, 24)
				}
				truncatedRows = append(truncatedRows, outRow)
			}
			out["rows"] = truncatedRows
		}
		truncatedSections = append(truncatedSections, out)
	}

	body["type"] = "interactive"
	interactive := map[string]interface{}{
		"type": "list",
		"body": map[string]interface{}{"text": truncate(content, 1024)},
		"action": map[string]interface{}{
			"button":   truncate(m.HelperMetadata.String("button"), 20),
			"sections": truncatedSections,
		},
	}
	if header := m.HelperMetadata.String("header"); header != "" {
		interactive["header"] = map[string]interface{}{"type": "text", "text": truncate(header, 60)}
	}
	if footer := m.HelperMetadata.String("footer"); footer != "" {
		interactive["footer"] = map[string]interface{}{"text": truncate(footer, 60)}
	}
	body["interactive"] = interactive
}

func renderDocument(ctx context.Context, m vumi.Message, media *MediaCache, body map[string]interface{}) error {
	documentURL := m.HelperMetadata.String("document")
	id, _, err := media.GetMediaID(ctx, documentURL)
	if err != nil {
		return err
	}
	body["type"] = "document"
	body["document"] = map[string]interface{}{
		"id":       id,
		"filename": filenameFromURL(documentURL),
	}
	return nil
}

func renderImage(ctx context.Context, m vumi.Message, media *MediaCache, content string, body map[string]interface{}) error {
	imageURL := m.HelperMetadata.String("image")
	id, _, err := media.GetMediaID(ctx, imageURL)
	if err != nil {
		return err
	}
	image := map[string]interface{}{"id": id}
	if content != "" {
		image["caption"] = content
	}
	body["type"] = "image"
	body["image"] = image
	return nil
}

func shallowCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
