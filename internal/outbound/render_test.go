/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package outbound

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praekeltfoundation/vxwhatsapp/internal/vumi"
)

type fakeRegistry struct {
	stored  map[string]string
	deleted map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{stored: map[string]string{}, deleted: map[string]string{}}
}

func (f *fakeRegistry) Store(ctx context.Context, claim *string, address string) error {
	if claim != nil {
		f.stored[*claim] = address
	}
	return nil
}
func (f *fakeRegistry) Delete(ctx context.Context, claim *string, address string) error {
	if claim != nil {
		f.deleted[*claim] = address
	}
	return nil
}
func (f *fakeRegistry) Ping(context.Context) error { return nil }
func (f *fakeRegistry) ScanExpired(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

type fakeFetcher struct {
	contentType string
}

func (f *fakeFetcher) FetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	return []byte("bytes"), f.contentType, nil
}
func (f *fakeFetcher) UploadMedia(ctx context.Context, contentType string, body []byte) (string, error) {
	return "media-id-1", nil
}

func TestRenderTextDefault(t *testing.T) {
	content := "hello"
	m := vumi.NewMessage(vumi.Message{
		ToAddr: "1", FromAddr: "2", TransportName: "whatsapp", TransportType: vumi.TransportTypeHTTPAPI,
		Content: &content,
	})
	r, err := render(context.Background(), m, newFakeRegistry(), NewMediaCache(&fakeFetcher{}))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"body": "hello"}, r.Body["text"])
}

func TestRenderClaimExtendOnResume(t *testing.T) {
	m := vumi.NewMessage(vumi.Message{
		ToAddr: "1", FromAddr: "2", TransportName: "whatsapp", TransportType: vumi.TransportTypeHTTPAPI,
		SessionEvent:      vumi.SessionEventResume,
		TransportMetadata: vumi.Metadata{"claim": "claim-1"},
	})
	reg := newFakeRegistry()
	r, err := render(context.Background(), m, reg, NewMediaCache(&fakeFetcher{}))
	require.NoError(t, err)
	assert.Equal(t, "claim-1", r.Headers["X-Turn-Claim-Extend"])
	assert.Equal(t, "1", reg.stored["claim-1"])
}

func TestRenderClaimReleaseOnCloseWithAutomation(t *testing.T) {
	inReplyTo := "msg-123"
	m := vumi.NewMessage(vumi.Message{
		ToAddr: "1", FromAddr: "2", TransportName: "whatsapp", TransportType: vumi.TransportTypeHTTPAPI,
		SessionEvent:      vumi.SessionEventClose,
		InReplyTo:         &inReplyTo,
		TransportMetadata: vumi.Metadata{"claim": "claim-1"},
		HelperMetadata:    vumi.Metadata{"automation_handle": true},
	})
	reg := newFakeRegistry()
	r, err := render(context.Background(), m, reg, NewMediaCache(&fakeFetcher{}))
	require.NoError(t, err)
	assert.Equal(t, "claim-1", r.Headers["X-Turn-Claim-Release"])
	assert.Equal(t, "/v1/messages/msg-123/automation", r.Path)
	assert.Equal(t, "application/vnd.v1+json", r.Headers["Accept"])
	assert.Equal(t, "1", reg.deleted["claim-1"])
}

func TestRenderButtonsTruncatesAndCaps(t *testing.T) {
	longOpt := ""
	for i := 0; i < 300; i++ {
		longOpt += "x"
	}
	content := "body text"
	m := vumi.NewMessage(vumi.Message{
		ToAddr: "1", FromAddr: "2", TransportName: "whatsapp", TransportType: vumi.TransportTypeHTTPAPI,
		Content: &content,
		HelperMetadata: vumi.Metadata{
			"buttons": []interface{}{longOpt, "b", "c", "d"},
		},
	})
	r, err := render(context.Background(), m, newFakeRegistry(), NewMediaCache(&fakeFetcher{}))
	require.NoError(t, err)
	interactive := r.Body["interactive"].(map[string]interface{})
	assert.Equal(t, "button", interactive["type"])
	action := interactive["action"].(map[string]interface{})
	buttons := action["buttons"].([]map[string]interface{})
	require.Len(t, buttons, 3)
	reply := buttons[0]["reply"].(map[string]interface{})
	assert.Len(t, reply["id"].(string), 256)
	assert.Len(t, reply["title"].(string), 20)
}

func TestRenderButtonsHeaderURLUploadsImage(t *testing.T) {
	content := "body"
	m := vumi.NewMessage(vumi.Message{
		ToAddr: "1", FromAddr: "2", TransportName: "whatsapp", TransportType: vumi.TransportTypeHTTPAPI,
		Content: &content,
		HelperMetadata: vumi.Metadata{
			"buttons": []interface{}{"a"},
			"header":  "https://example.com/pic.png",
		},
	})
	media := NewMediaCache(&fakeFetcher{contentType: "image/png"})
	r, err := render(context.Background(), m, newFakeRegistry(), media)
	require.NoError(t, err)
	interactive := r.Body["interactive"].(map[string]interface{})
	header := interactive["header"].(map[string]interface{})
	assert.Equal(t, "image", header["type"])
}

func TestRenderButtonsHeaderPlainTextWhenNotURL(t *testing.T) {
	content := "body"
	m := vumi.NewMessage(vumi.Message{
		ToAddr: "1", FromAddr: "2", TransportName: "whatsapp", TransportType: vumi.TransportTypeHTTPAPI,
		Content: &content,
		HelperMetadata: vumi.Metadata{
			"buttons": []interface{}{"a"},
			"header":  "Not a URL",
		},
	})
	r, err := render(context.Background(), m, newFakeRegistry(), NewMediaCache(&fakeFetcher{}))
	require.NoError(t, err)
	interactive := r.Body["interactive"].(map[string]interface{})
	header := interactive["header"].(map[string]interface{})
	assert.Equal(t, "text", header["type"])
}

func TestRenderDocumentUploadsMedia(t *testing.T) {
	m := vumi.NewMessage(vumi.Message{
		ToAddr: "1", FromAddr: "2", TransportName: "whatsapp", TransportType: vumi.TransportTypeHTTPAPI,
		HelperMetadata: vumi.Metadata{"document": "https://example.com/files/report.pdf"},
	})
	r, err := render(context.Background(), m, newFakeRegistry(), NewMediaCache(&fakeFetcher{contentType: "application/pdf"}))
	require.NoError(t, err)
	assert.Equal(t, "document", r.Body["type"])
	doc := r.Body["document"].(map[string]interface{})
	assert.Equal(t, "report.pdf", doc["filename"])
}

func TestRenderImageAddsCaptionWhenContentPresent(t *testing.T) {
	content := "a caption"
	m := vumi.NewMessage(vumi.Message{
		ToAddr: "1", FromAddr: "2", TransportName: "whatsapp", TransportType: vumi.TransportTypeHTTPAPI,
		Content:        &content,
		HelperMetadata: vumi.Metadata{"image": "https://example.com/pic.jpg"},
	})
	r, err := render(context.Background(), m, newFakeRegistry(), NewMediaCache(&fakeFetcher{contentType: "image/jpeg"}))
	require.NoError(t, err)
	img := r.Body["image"].(map[string]interface{})
	assert.Equal(t, "a caption", img["caption"])
}

func TestFilenameFromURLDecodesPlusAndPercent(t *testing.T) {
	assert.Equal(t, "my file.pdf", filenameFromURL("https://example.com/docs/my+file.pdf"))
	assert.Equal(t, "my file.pdf", filenameFromURL("https://example.com/docs/my%20file.pdf"))
}
