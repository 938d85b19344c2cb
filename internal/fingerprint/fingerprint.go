// Package fingerprint derives the content identity used to deduplicate
// reposted and cross-posted records across platforms.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/gauravfs-14/socflow/internal/post"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Fingerprint is a fixed-length content digest. Two posts with the same
// fingerprint are the same discourse unit regardless of platform.
type Fingerprint [Size]byte

func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

func (f Fingerprint) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, f[:])
	return out
}

// FromBytes rebuilds a fingerprint from its stored form.
func FromBytes(raw []byte) (Fingerprint, bool) {
	var f Fingerprint
	if len(raw) != Size {
		return f, false
	}
	copy(f[:], raw)
	return f, true
}

// Query parameters that vary per share without changing the linked content.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"utm_id":       {},
	"fbclid":       {},
	"gclid":        {},
	"mc_cid":       {},
	"mc_eid":       {},
	"igshid":       {},
	"ref_src":      {},
	"ref_url":      {},
}

// Compute derives the fingerprint for a canonical post. Text is casefolded
// with whitespace runs collapsed and the source URL is stripped of tracking
// noise before hashing, so formatting and share-link differences do not
// defeat deduplication. Posts without a source URL fall back to
// (platform, objectId, text).
func Compute(p *post.Post) Fingerprint {
	text := NormalizeText(p.Text)
	url := NormalizeURL(p.SourceURL)

	h := sha256.New()
	if url != "" {
		h.Write([]byte(text))
		h.Write([]byte{0x00})
		h.Write([]byte(url))
	} else {
		h.Write([]byte(p.Platform))
		h.Write([]byte{0x00})
		h.Write([]byte(p.ObjectID))
		h.Write([]byte{0x00})
		h.Write([]byte(text))
	}

	var f Fingerprint
	h.Sum(f[:0])
	return f
}

// NormalizeText trims, casefolds, and collapses internal whitespace runs.
func NormalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// NormalizeURL lowercases the scheme and host, drops tracking query
// parameters and the fragment, and keeps the remaining query in its original
// order. Unparseable URLs are used verbatim after trimming.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return trimmed
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if u.RawQuery != "" {
		kept := make([]string, 0, 4)
		for _, pair := range strings.Split(u.RawQuery, "&") {
			name := pair
			if idx := strings.IndexByte(pair, '='); idx >= 0 {
				name = pair[:idx]
			}
			if _, tracking := trackingParams[strings.ToLower(name)]; tracking {
				continue
			}
			if name == "" {
				continue
			}
			kept = append(kept, pair)
		}
		u.RawQuery = strings.Join(kept, "&")
	}

	return u.String()
}
