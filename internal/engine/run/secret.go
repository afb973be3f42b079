// Copyright 2025 The Weft Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package run

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	wefterrors "github.com/weftworks/weft/pkg/errors"
)

// NewCallbackSecret mints a per-run callback secret: 32 bytes of entropy,
// URL-safe encoded. Only the digest is stored; the plaintext leaves the
// engine exactly once, in the start response.
func NewCallbackSecret() (plaintext, digest string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", &wefterrors.FatalError{Op: "run.secret", Reason: "entropy source failed", Cause: err}
	}
	plaintext = base64.RawURLEncoding.EncodeToString(raw)
	return plaintext, SecretDigest(plaintext), nil
}

// SecretDigest hashes a callback secret for storage and comparison.
func SecretDigest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifySecret reports whether the presented secret matches the stored
// digest. The comparison is constant time.
func VerifySecret(digest, presented string) bool {
	if digest == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(digest), []byte(SecretDigest(presented))) == 1
}
