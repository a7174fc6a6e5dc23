/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package urlvalidate decides whether a string is a URL the renderer may
// safely treat as a media header source, independent of net/url's far
// more permissive notion of "parseable".
package urlvalidate

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

const ul = `\x{00a1}-\x{ffff}`

var (
	hostnameRe = `[a-z` + ul + `0-9](?:[a-z` + ul + `0-9-]{0,61}[a-z` + ul + `0-9])?`
	domainRe   = `(?:\.(?:[a-z` + ul + `0-9-]{1,63}))*`
	tldRe      = `\.(?:[a-z` + ul + `-]{2,63}|xn--[a-z0-9]{1,59})\.?`
	hostRe     = `(` + hostnameRe + domainRe + tldRe + `|localhost)`
	ipv4Re     = `(?:25[0-5]|2[0-4]\d|[0-1]?\d?\d)(?:\.(?:25[0-5]|2[0-4]\d|[0-1]?\d?\d)){3}`
	ipv6Re     = `\[[0-9a-f:.]+\]`

	urlRegexp = regexp.MustCompile(`(?i)^(?:[a-z0-9.+-]*)://` +
		`(?:[^\s:@/]+(?::[^\s:@/]*)?@)?` +
		`(?:` + ipv4Re + `|` + ipv6Re + `|` + hostRe + `)` +
		`(?::\d{2,5})?` +
		`(?:[/?#][^\s]*)?$`)

	hostBracketRe = regexp.MustCompile(`^\[(.+)\](?::\d{2,5})?$`)
)

var schemes = map[string]bool{"http": true, "https": true, "ftp": true, "ftps": true}

const unsafeChars = "\t\r\n"

// Valid reports whether value is an acceptable URL: a scheme from the
// allow-list, no embedded control characters, a syntactically valid
// host (IPv4, bracketed IPv6, or a DNS name), and a hostname, as
// written in the URL, of at most 253 bytes (the RFC 1034 limit).
func Valid(value string) bool {
	if value == "" {
		return false
	}
	if strings.ContainsAny(value, unsafeChars) {
		return false
	}
	scheme := strings.ToLower(strings.SplitN(value, "://", 2)[0])
	if !schemes[scheme] {
		return false
	}

	if !urlRegexp.MatchString(value) {
		parsed, err := url.Parse(value)
		if err != nil {
			return false
		}
		encodedHost, err := idna.ToASCII(parsed.Hostname())
		if err != nil {
			return false
		}
		rebuilt := rebuildURL(parsed, encodedHost)
		if !urlRegexp.MatchString(rebuilt) {
			return false
		}
	} else if host := extractNetloc(value); host != "" {
		if m := hostBracketRe.FindStringSubmatch(host); m != nil {
			if !isValidIPv6(m[1]) {
				return false
			}
		}
	}

	parsed, err := url.Parse(value)
	if err != nil {
		return false
	}
	if len(parsed.Hostname()) > 253 {
		return false
	}
	return true
}

func extractNetloc(value string) string {
	parsed, err := url.Parse(value)
	if err != nil {
		return ""
	}
	return parsed.Host
}

func rebuildURL(u *url.URL, encodedHost string) string {
	host := encodedHost
	if u.Port() != "" {
		host = host + ":" + u.Port()
	}
	rebuilt := &url.URL{Scheme: u.Scheme, Host: host, Path: u.Path, RawQuery: u.RawQuery, Fragment: u.Fragment}
	return rebuilt.String()
}

func isValidIPv6(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && strings.Contains(s, ":")
}
