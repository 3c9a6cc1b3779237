package ssbmsg

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/ahdinosaur/ssb-archive/pkg/ssbref"
)

// ErrContentShape is returned when content carries a known type tag but its required fields do
// not parse. The message is still indexed, without type-specific rows.
var ErrContentShape = errors.New("ssb msg: bad content shape")

const (
	TypePost    = "post"
	TypeContact = "contact"
	TypeVote    = "vote"
	TypeAbout   = "about"
)

// Content is one of *Post, *Contact, *Vote, *About or Unknown.
type Content interface {
	ContentType() string
	isContent()
}

type Post struct {
	Text     string
	Channel  string
	Mentions []Mention
	Root     *ssbref.Msg
	Branch   []ssbref.Msg
	Fork     *ssbref.Msg
}

// Mention is a typed link inside a post. Blob is set only for blob links.
type Mention struct {
	Link ssbref.Link
	Name string
	Blob *BlobLink
}

type BlobLink struct {
	Link     ssbref.Blob
	Name     string
	Width    *uint64
	Height   *uint64
	Size     *uint64
	MimeType string
}

type Contact struct {
	Contact   ssbref.Feed
	Following *bool
	Blocking  *bool
}

// State is -1 when blocking (blocking wins), 1 when following and 0 otherwise.
func (c *Contact) State() int {
	switch {
	case c.Blocking != nil && *c.Blocking:
		return -1
	case c.Following != nil && *c.Following:
		return 1
	default:
		return 0
	}
}

type Vote struct {
	Link       ssbref.Msg
	Value      int
	Expression string
}

type About struct {
	About       ssbref.Link
	Name        string
	Description string
	Image       *BlobLink
	// Fields holds the content object minus "type" and "about"; it is what gets merged into the
	// stored about document.
	Fields map[string]json.RawMessage
}

// Unknown is any content that is not one of the indexed types, including non-object content.
type Unknown struct {
	Type string
}

func (*Post) ContentType() string     { return TypePost }
func (*Contact) ContentType() string  { return TypeContact }
func (*Vote) ContentType() string     { return TypeVote }
func (*About) ContentType() string    { return TypeAbout }
func (u Unknown) ContentType() string { return u.Type }

func (*Post) isContent()    {}
func (*Contact) isContent() {}
func (*Vote) isContent()    {}
func (*About) isContent()   {}
func (Unknown) isContent()  {}

// DecodeContent classifies raw content. Optional fields that fail to parse are left empty; an
// error wrapping ErrContentShape is returned only when a required field of a known type is bad.
func DecodeContent(raw json.RawMessage) (Content, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Unknown{}, nil
	}
	typ := optString(fields, "type")

	var (
		c   Content
		err error
	)
	switch typ {
	case TypePost:
		c, err = decodePost(fields)
	case TypeContact:
		c, err = decodeContact(fields)
	case TypeVote:
		c, err = decodeVote(fields)
	case TypeAbout:
		c, err = decodeAbout(fields)
	default:
		return Unknown{Type: typ}, nil
	}
	if err != nil {
		return Unknown{Type: typ}, errors.Wrapf(ErrContentShape, "%s: %v", typ, err)
	}
	return c, nil
}

func decodePost(fields map[string]json.RawMessage) (*Post, error) {
	var text string
	if err := json.Unmarshal(fields["text"], &text); err != nil {
		return nil, errors.New("text is not a string")
	}
	p := &Post{
		Text:    text,
		Channel: optString(fields, "channel"),
		Root:    optMsg(fields, "root"),
		Fork:    optMsg(fields, "fork"),
	}
	for _, item := range oneOrMany(fields["mentions"]) {
		if m, ok := decodeMention(item); ok {
			p.Mentions = append(p.Mentions, m)
		}
	}
	for _, item := range oneOrMany(fields["branch"]) {
		var s string
		if json.Unmarshal(item, &s) != nil {
			continue
		}
		if m, err := ssbref.ParseMsg(s); err == nil {
			p.Branch = append(p.Branch, m)
		}
	}
	return p, nil
}

func decodeMention(raw json.RawMessage) (Mention, bool) {
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) != nil || fields == nil {
		return Mention{}, false
	}
	link, err := ssbref.ParseLink(optString(fields, "link"))
	if err != nil {
		return Mention{}, false
	}
	m := Mention{Link: link, Name: optString(fields, "name")}
	if b, ok := link.(ssbref.Blob); ok {
		m.Blob = blobLinkFromFields(b, fields)
	}
	return m, true
}

func decodeContact(fields map[string]json.RawMessage) (*Contact, error) {
	target, err := ssbref.ParseFeed(optString(fields, "contact"))
	if err != nil {
		return nil, err
	}
	return &Contact{
		Contact:   target,
		Following: optBool(fields, "following"),
		Blocking:  optBool(fields, "blocking"),
	}, nil
}

func decodeVote(fields map[string]json.RawMessage) (*Vote, error) {
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(fields["vote"], &inner); err != nil || inner == nil {
		return nil, errors.New("vote is not an object")
	}
	link, err := ssbref.ParseMsg(optString(inner, "link"))
	if err != nil {
		return nil, err
	}
	value, ok := parseInt(inner["value"])
	if !ok {
		return nil, errors.New("vote value is not an integer")
	}
	return &Vote{
		Link:       link,
		Value:      value,
		Expression: optString(inner, "expression"),
	}, nil
}

func decodeAbout(fields map[string]json.RawMessage) (*About, error) {
	target, err := ssbref.ParseLink(optString(fields, "about"))
	if err != nil {
		return nil, err
	}
	a := &About{
		About:       target,
		Name:        optString(fields, "name"),
		Description: optString(fields, "description"),
		Image:       decodeImage(fields["image"]),
		Fields:      make(map[string]json.RawMessage, len(fields)),
	}
	for k, v := range fields {
		if k == "type" || k == "about" {
			continue
		}
		a.Fields[k] = v
	}
	return a, nil
}

// decodeImage accepts either a bare blob id or a blob link object.
func decodeImage(raw json.RawMessage) *BlobLink {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		b, err := ssbref.ParseBlob(s)
		if err != nil {
			return nil
		}
		return &BlobLink{Link: b}
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) != nil || fields == nil {
		return nil
	}
	b, err := ssbref.ParseBlob(optString(fields, "link"))
	if err != nil {
		return nil
	}
	return blobLinkFromFields(b, fields)
}

func blobLinkFromFields(b ssbref.Blob, fields map[string]json.RawMessage) *BlobLink {
	mime := optString(fields, "type")
	if mime == "" {
		mime = optString(fields, "mime_type")
	}
	return &BlobLink{
		Link:     b,
		Name:     optString(fields, "name"),
		Width:    optUint(fields, "width"),
		Height:   optUint(fields, "height"),
		Size:     optUint(fields, "size"),
		MimeType: mime,
	}
}

func oneOrMany(raw json.RawMessage) []json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var many []json.RawMessage
	if json.Unmarshal(raw, &many) == nil {
		return many
	}
	return []json.RawMessage{raw}
}

func optString(fields map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := fields[key]; ok && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}

func optBool(fields map[string]json.RawMessage, key string) *bool {
	var b bool
	if raw, ok := fields[key]; ok && json.Unmarshal(raw, &b) == nil {
		return &b
	}
	return nil
}

func optUint(fields map[string]json.RawMessage, key string) *uint64 {
	var u uint64
	if raw, ok := fields[key]; ok && json.Unmarshal(raw, &u) == nil {
		return &u
	}
	return nil
}

func optMsg(fields map[string]json.RawMessage, key string) *ssbref.Msg {
	s := optString(fields, key)
	if s == "" {
		return nil
	}
	m, err := ssbref.ParseMsg(s)
	if err != nil {
		return nil
	}
	return &m
}

// parseInt accepts integral JSON numbers and numeric strings ("1"), both of which appear in
// vote values on the network.
func parseInt(raw json.RawMessage) (int, bool) {
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		if f != math.Trunc(f) || f < math.MinInt || f >= math.MaxInt {
			return 0, false
		}
		return int(f), true
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
