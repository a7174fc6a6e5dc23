/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package outbound

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sync"
)

// mediaResult is one cache entry: the provider-assigned media ID and
// the content type of the source media, needed to pick a header
// variant without a second round trip.
type mediaResult struct {
	ID          string
	ContentType string
}

// MediaFetcher is the HTTP collaborator media upload needs: fetching
// arbitrary media URLs and uploading their bytes to the provider.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, mediaURL string) (body []byte, contentType string, err error)
	UploadMedia(ctx context.Context, contentType string, body []byte) (mediaID string, err error)
}

// MediaCache resolves a media URL to a provider media ID, caching
// every successful resolution for the lifetime of the process. There
// is deliberately no eviction: the source URLs are stable per
// conversation and the cache is bounded by how many distinct media
// assets a single process instance ever renders.
type MediaCache struct {
	fetcher MediaFetcher
	entries sync.Map // string -> mediaResult
}

// NewMediaCache wraps fetcher with an in-process cache.
func NewMediaCache(fetcher MediaFetcher) *MediaCache {
	return &MediaCache{fetcher: fetcher}
}

// GetMediaID returns the provider media ID and source content type for
// mediaURL, fetching and uploading it on a cache miss.
func (c *MediaCache) GetMediaID(ctx context.Context, mediaURL string) (string, string, error) {
	if cached, ok := c.entries.Load(mediaURL); ok {
		r := cached.(mediaResult)
		return r.ID, r.ContentType, nil
	}

	body, contentType, err := c.fetcher.FetchMedia(ctx, mediaURL)
	if err != nil {
		return "", "", fmt.Errorf("outbound: fetch media %s: %w", mediaURL, err)
	}
	id, err := c.fetcher.UploadMedia(ctx, contentType, body)
	if err != nil {
		return "", "", fmt.Errorf("outbound: upload media %s: %w", mediaURL, err)
	}

	c.entries.Store(mediaURL, mediaResult{ID: id, ContentType: contentType})
	return id, contentType, nil
}

// filenameFromURL extracts the filename a document/header attachment
// should be sent with: the URL path's final segment, percent- and
// plus-decoded.
func filenameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(parsed.Path)
	decoded, err := url.QueryUnescape(base)
	if err != nil {
		return base
	}
	return decoded
}
