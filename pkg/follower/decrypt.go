package follower

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ahdinosaur/ssb-archive/pkg/feedlog"
	"github.com/ahdinosaur/ssb-archive/pkg/persistence/indexstore"
	"github.com/ahdinosaur/ssb-archive/pkg/privatebox"
	"github.com/ahdinosaur/ssb-archive/pkg/ssbmsg"
)

// DecryptContent opens private-box content (a JSON string ending in ".box") with the first key
// that works. It has no side effects.
func DecryptContent(content json.RawMessage, keys []privatebox.SecretKey) ([]byte, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	var s string
	if err := json.Unmarshal(content, &s); err != nil {
		return nil, false
	}
	if !strings.HasSuffix(s, ssbmsg.BoxSuffix) {
		return nil, false
	}
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(s, ssbmsg.BoxSuffix))
	if err != nil {
		return nil, false
	}
	return privatebox.Decrypt(ciphertext, keys)
}

// prepare decodes an entry into a record. Errors are format errors: the entry is skipped.
func (p *Pipeline) prepare(e feedlog.Entry) (*indexstore.Record, error) {
	m, err := ssbmsg.DecodeMessage(e.Data)
	if err != nil {
		return nil, err
	}
	rec := &indexstore.Record{
		Position:    e.Position,
		Message:     m,
		Content:     m.Content,
		IsEncrypted: m.IsEncrypted(),
	}

	if rec.IsEncrypted {
		plain, ok := DecryptContent(m.Content, p.keys)
		if !ok {
			return rec, nil
		}
		rec.IsDecrypted = true
		if !json.Valid(plain) {
			log.Debug().Uint64("position", e.Position).Msg("decrypted content is not json")
			rec.Parsed = ssbmsg.Unknown{}
			return rec, nil
		}
		rec.Content = plain
	}

	parsed, err := ssbmsg.DecodeContent(rec.Content)
	if err != nil {
		log.Debug().Err(err).
			Uint64("position", e.Position).
			Str("key", m.Key.String()).
			Msg("content shape not understood, indexing bare message")
	}
	rec.Parsed = parsed
	return rec, nil
}
