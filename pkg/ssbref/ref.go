// Package ssbref implements the typed identifiers used by SSB messages: feed ids (@...=.ed25519),
// message ids (%...=.sha256), blob ids (&...=.sha256) and hashtags (#tag).
//
// Parsing only accepts the canonical base64 form. Strings that decode to the same bytes but use
// different padding bits are rejected rather than normalized, so String() always returns the
// exact input that was parsed.
package ssbref

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrFormat is returned (wrapped) whenever an identifier does not match its canonical form.
var ErrFormat = errors.New("ssb ref: bad format")

// PayloadSize is the decoded length of feed, message and blob identifiers.
const PayloadSize = 32

type Kind int

const (
	KindFeed Kind = iota + 1
	KindMsg
	KindBlob
	KindHashtag
)

func (k Kind) String() string {
	switch k {
	case KindFeed:
		return "feed"
	case KindMsg:
		return "msg"
	case KindBlob:
		return "blob"
	case KindHashtag:
		return "hashtag"
	default:
		return "unknown"
	}
}

const (
	feedSigil    = "@"
	msgSigil     = "%"
	blobSigil    = "&"
	hashtagSigil = "#"

	feedSuffix = ".ed25519"
	hashSuffix = ".sha256"
)

var (
	feedSingle = canonicalBase64(feedSigil, feedSuffix, PayloadSize, true)
	feedMulti  = canonicalBase64(feedSigil, feedSuffix, PayloadSize, false)
	msgSingle  = canonicalBase64(msgSigil, hashSuffix, PayloadSize, true)
	msgMulti   = canonicalBase64(msgSigil, hashSuffix, PayloadSize, false)
	blobSingle = canonicalBase64(blobSigil, hashSuffix, PayloadSize, true)
	blobMulti  = canonicalBase64(blobSigil, hashSuffix, PayloadSize, false)
)

// canonicalBase64 builds the matcher for <prefix><base64 of length bytes><suffix>. The last
// base64 character before the padding is restricted to the values whose unused low bits are
// zero, which is what makes the encoding canonical.
func canonicalBase64(prefix, suffix string, length int, anchored bool) *regexp.Regexp {
	const (
		char   = "[a-zA-Z0-9/+]"
		trail2 = "[AQgw]=="
		trail4 = "[AEIMQUYcgkosw048]="
	)

	var b strings.Builder
	if anchored {
		b.WriteString("^")
	}
	b.WriteString(regexp.QuoteMeta(prefix))
	b.WriteString(char)
	b.WriteString("{" + strconv.Itoa(length*8/6) + "}")
	switch length % 3 {
	case 1:
		b.WriteString(trail2)
	case 2:
		b.WriteString(trail4)
	}
	b.WriteString(regexp.QuoteMeta(suffix))
	if anchored {
		b.WriteString("$")
	}
	return regexp.MustCompile(b.String())
}

func formatError(kind Kind, input string) error {
	return errors.Wrapf(ErrFormat, "does not match as %s: %q", kind, input)
}

// parsePayload validates s against re and decodes the base64 section between the sigil and the
// suffix.
func parsePayload(kind Kind, re *regexp.Regexp, suffix, s string) ([PayloadSize]byte, error) {
	var out [PayloadSize]byte
	if !re.MatchString(s) {
		return out, formatError(kind, s)
	}
	data := s[1 : len(s)-len(suffix)]
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return out, errors.Wrapf(ErrFormat, "decode %s base64: %v", kind, err)
	}
	if len(raw) != PayloadSize {
		return out, errors.Wrapf(ErrFormat, "%s payload has %d bytes", kind, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func encodePayload(sigil string, b [PayloadSize]byte, suffix string) string {
	return sigil + base64.StdEncoding.EncodeToString(b[:]) + suffix
}

func urlSafePayload(b [PayloadSize]byte) string {
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// Link is one of Feed, Msg, Blob or Hashtag.
type Link interface {
	fmt.Stringer
	Kind() Kind
	isLink()
}

// ParseLink dispatches on the sigil of s.
func ParseLink(s string) (Link, error) {
	switch {
	case strings.HasPrefix(s, feedSigil):
		return ParseFeed(s)
	case strings.HasPrefix(s, msgSigil):
		return ParseMsg(s)
	case strings.HasPrefix(s, blobSigil):
		return ParseBlob(s)
	case strings.HasPrefix(s, hashtagSigil):
		return ParseHashtag(s)
	default:
		return nil, errors.Wrapf(ErrFormat, "does not match as link: %q", s)
	}
}
