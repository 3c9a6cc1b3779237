package ssbref

import (
	"net/url"
	"regexp"
	"strings"
)

const hashtagPattern = `#(?P<tag>[\p{L}\p{N}_\-]+)`

var (
	hashtagSingle = regexp.MustCompile("^" + hashtagPattern + "$")
	hashtagMulti  = regexp.MustCompile(hashtagPattern)
)

// Hashtag holds the tag text without the leading '#'.
type Hashtag string

func ParseHashtag(s string) (Hashtag, error) {
	m := hashtagSingle.FindStringSubmatch(s)
	if m == nil {
		return "", formatError(KindHashtag, s)
	}
	return Hashtag(m[hashtagSingle.SubexpIndex("tag")]), nil
}

func IsHashtag(s string) bool { return hashtagSingle.MatchString(s) }

func (h Hashtag) String() string { return hashtagSigil + string(h) }
func (h Hashtag) Kind() Kind     { return KindHashtag }
func (Hashtag) isLink()          {}

// Normalized is the form used for equality; "#SSB" and "#ssb" are the same tag.
func (h Hashtag) Normalized() string { return strings.ToLower(string(h)) }

func (h Hashtag) Equal(other Hashtag) bool { return h.Normalized() == other.Normalized() }

func (h Hashtag) URLSafe() string { return url.PathEscape(string(h)) }

func (h Hashtag) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hashtag) UnmarshalText(text []byte) error {
	v, err := ParseHashtag(string(text))
	if err != nil {
		return err
	}
	*h = v
	return nil
}
