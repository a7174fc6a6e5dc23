/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"github.com/praekeltfoundation/vxwhatsapp/internal/vumierr"
)

const signatureHeader = "X-Turn-Hook-Signature"

// verifyHMAC checks body against the signature header using secret. A
// blank secret disables verification entirely and always succeeds.
func verifyHMAC(secret string, signature string, body []byte) error {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return vumierr.ErrAuthMissing
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return vumierr.ErrAuthMismatch
	}
	return nil
}
