// Package ssbmsg decodes SSB log entries: the message envelope and its typed content.
package ssbmsg

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/ahdinosaur/ssb-archive/pkg/ssbref"
)

// ErrEnvelope marks a log entry whose envelope cannot be decoded at all.
var ErrEnvelope = errors.New("ssb msg: malformed envelope")

// BoxSuffix marks private-box ciphertext content.
const BoxSuffix = ".box"

// Message is a decoded log entry. Content is kept raw; use DecodeContent to classify it.
type Message struct {
	Key               ssbref.Msg
	Previous          *ssbref.Msg
	Author            ssbref.Feed
	Sequence          uint64
	TimestampAsserted float64
	TimestampReceived float64
	Hash              string
	Content           json.RawMessage
	Signature         string
}

type wireMessage struct {
	Key       string    `json:"key"`
	Value     wireValue `json:"value"`
	Timestamp float64   `json:"timestamp"`
}

type wireValue struct {
	Previous  *string         `json:"previous"`
	Author    string          `json:"author"`
	Sequence  uint64          `json:"sequence"`
	Timestamp float64         `json:"timestamp"`
	Hash      string          `json:"hash,omitempty"`
	Content   json.RawMessage `json:"content"`
	Signature string          `json:"signature,omitempty"`
}

// DecodeMessage parses the `{key, value, timestamp}` envelope. The key and author must be
// canonical identifiers; a non-canonical previous is dropped.
func DecodeMessage(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrapf(ErrEnvelope, "json: %v", err)
	}
	key, err := ssbref.ParseMsg(w.Key)
	if err != nil {
		return nil, errors.Wrapf(ErrEnvelope, "key: %v", err)
	}
	author, err := ssbref.ParseFeed(w.Value.Author)
	if err != nil {
		return nil, errors.Wrapf(ErrEnvelope, "author: %v", err)
	}

	m := &Message{
		Key:               key,
		Author:            author,
		Sequence:          w.Value.Sequence,
		TimestampAsserted: w.Value.Timestamp,
		TimestampReceived: w.Timestamp,
		Hash:              w.Value.Hash,
		Content:           w.Value.Content,
		Signature:         w.Value.Signature,
	}
	if len(m.Content) == 0 {
		m.Content = json.RawMessage("null")
	}
	if w.Value.Previous != nil {
		if prev, err := ssbref.ParseMsg(*w.Value.Previous); err == nil {
			m.Previous = &prev
		}
	}
	return m, nil
}

// MarshalJSON writes the message back in envelope form.
func (m *Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Key: m.Key.String(),
		Value: wireValue{
			Author:    m.Author.String(),
			Sequence:  m.Sequence,
			Timestamp: m.TimestampAsserted,
			Hash:      m.Hash,
			Content:   m.Content,
			Signature: m.Signature,
		},
		Timestamp: m.TimestampReceived,
	}
	if m.Previous != nil {
		p := m.Previous.String()
		w.Value.Previous = &p
	}
	return json.Marshal(w)
}

// IsEncrypted reports whether the content is a string rather than an object. Such content is
// ciphertext that may or may not be decryptable by this indexer.
func (m *Message) IsEncrypted() bool {
	c := bytes.TrimSpace(m.Content)
	return len(c) > 0 && c[0] == '"'
}

// Boxed returns the base64 ciphertext of private-box content without its suffix.
func (m *Message) Boxed() (string, bool) {
	if !m.IsEncrypted() {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	if !strings.HasSuffix(s, BoxSuffix) {
		return "", false
	}
	return strings.TrimSuffix(s, BoxSuffix), true
}

// ContentType returns the `type` tag of object content, or "" when there is none.
func (m *Message) ContentType() string {
	return ContentType(m.Content)
}

func ContentType(raw json.RawMessage) string {
	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(head.Type, &s); err != nil {
		return ""
	}
	return s
}
