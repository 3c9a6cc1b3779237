package ssbmsg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahdinosaur/ssb-archive/pkg/ssbref"
)

const (
	feedA = "@QlCTpvY7p9ty2yOFrv1WU1AE88aoQc4Y7wYal7PFc+w=.ed25519"
	feedB = "@jEA8WSl0URsB/g/XYG5zCGBkMOyTeBZfGtbw3RJMIuk=.ed25519"
	msgA  = "%KKPLj1tWfuVhCvgJz2hG/nIsVzmBRzUJaqHv+sb+n1c=.sha256"
	msgB  = "%9EdpeKC5CgzpQs/x99CcnbD3n6ugUlwm19F7ZTqMh5w=.sha256"
	msgC  = "%sQV8QpyUNvh7fBAs2ts00Qo2gj44CQBmwonWJzm+AeM=.sha256"
	blobA = "&51ZXxNYIvTDCoNTE9R94NiEg3JAZAxWtKn4h4SmBwyY=.sha256"
)

func envelope(content string) []byte {
	return []byte(`{
  "key": "` + msgA + `",
  "value": {
    "previous": "%xsMQA2GrsZew0GSxmDSBaoxDafVaUJ07YVaDGcp65a4=.sha256",
    "author": "` + feedA + `",
    "sequence": 4797,
    "timestamp": 1543958997985,
    "hash": "sha256",
    "content": ` + content + `,
    "signature": "sig.ed25519"
  },
  "timestamp": 1543959001933.5
}`)
}

func decodeTestContent(t *testing.T, content string) Content {
	t.Helper()
	m, err := DecodeMessage(envelope(content))
	require.NoError(t, err)
	c, err := DecodeContent(m.Content)
	require.NoError(t, err)
	return c
}

func TestDecodeMessage_Envelope(t *testing.T) {
	m, err := DecodeMessage(envelope(`{"type":"post","text":"hi"}`))
	require.NoError(t, err)

	assert.Equal(t, msgA, m.Key.String())
	assert.Equal(t, feedA, m.Author.String())
	assert.Equal(t, uint64(4797), m.Sequence)
	assert.Equal(t, 1543958997985.0, m.TimestampAsserted)
	assert.Equal(t, 1543959001933.5, m.TimestampReceived)
	require.NotNil(t, m.Previous)
	assert.Equal(t, "post", m.ContentType())
	assert.False(t, m.IsEncrypted())

	out, err := json.Marshal(m)
	require.NoError(t, err)
	again, err := DecodeMessage(out)
	require.NoError(t, err)
	assert.Equal(t, m.Key, again.Key)
	assert.JSONEq(t, string(m.Content), string(again.Content))
}

func TestDecodeMessage_Malformed(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"key": `))
	require.ErrorIs(t, err, ErrEnvelope)

	_, err = DecodeMessage([]byte(`{"key":"%nope.sha256","value":{"author":"` + feedA + `"}}`))
	require.ErrorIs(t, err, ErrEnvelope)

	_, err = DecodeMessage([]byte(`{"key":"` + msgA + `","value":{"author":"bob"}}`))
	require.ErrorIs(t, err, ErrEnvelope)
}

func TestDecodeMessage_Boxed(t *testing.T) {
	m, err := DecodeMessage(envelope(`"c2VjcmV0.box"`))
	require.NoError(t, err)
	assert.True(t, m.IsEncrypted())
	boxed, ok := m.Boxed()
	require.True(t, ok)
	assert.Equal(t, "c2VjcmV0", boxed)
	assert.Equal(t, "", m.ContentType())

	other, err := DecodeMessage(envelope(`"c2VjcmV0.box2"`))
	require.NoError(t, err)
	assert.True(t, other.IsEncrypted())
	_, ok = other.Boxed()
	assert.False(t, ok)
}

func TestDecodeContent_Post(t *testing.T) {
	c := decodeTestContent(t, `{
		"type": "post",
		"text": "hello",
		"channel": "ssb",
		"root": "`+msgB+`",
		"branch": "`+msgC+`",
		"mentions": [
			{"link": "`+feedB+`", "name": "bob"},
			{"link": "`+msgB+`"},
			{"link": "`+blobA+`", "type": "image/png", "size": 12, "width": "wide"},
			{"link": "#ssb"},
			{"name": "no link"},
			"`+feedB+`"
		]
	}`)
	p, ok := c.(*Post)
	require.True(t, ok)
	assert.Equal(t, "hello", p.Text)
	assert.Equal(t, "ssb", p.Channel)
	require.NotNil(t, p.Root)
	assert.Equal(t, msgB, p.Root.String())
	require.Len(t, p.Branch, 1)
	assert.Equal(t, msgC, p.Branch[0].String())
	assert.Nil(t, p.Fork)

	require.Len(t, p.Mentions, 4)
	assert.Equal(t, ssbref.KindFeed, p.Mentions[0].Link.Kind())
	assert.Equal(t, "bob", p.Mentions[0].Name)
	assert.Equal(t, ssbref.KindMsg, p.Mentions[1].Link.Kind())
	require.NotNil(t, p.Mentions[2].Blob)
	assert.Equal(t, "image/png", p.Mentions[2].Blob.MimeType)
	require.NotNil(t, p.Mentions[2].Blob.Size)
	assert.Equal(t, uint64(12), *p.Mentions[2].Blob.Size)
	assert.Nil(t, p.Mentions[2].Blob.Width)
	assert.Equal(t, ssbref.KindHashtag, p.Mentions[3].Link.Kind())
}

func TestDecodeContent_PostBranchArrayAndBadFields(t *testing.T) {
	c := decodeTestContent(t, `{
		"type": "post",
		"text": "x",
		"channel": 42,
		"root": "not-a-ref",
		"fork": "`+msgB+`",
		"branch": ["`+msgB+`", "junk", "`+msgC+`"],
		"mentions": {"weird": true}
	}`)
	p := c.(*Post)
	assert.Equal(t, "", p.Channel)
	assert.Nil(t, p.Root)
	require.NotNil(t, p.Fork)
	require.Len(t, p.Branch, 2)
	assert.Empty(t, p.Mentions)
}

func TestDecodeContent_PostWithoutTextIsShapeError(t *testing.T) {
	c, err := DecodeContent(json.RawMessage(`{"type":"post","text":7}`))
	require.ErrorIs(t, err, ErrContentShape)
	assert.Equal(t, Unknown{Type: "post"}, c)
}

func TestDecodeContent_Contact(t *testing.T) {
	c := decodeTestContent(t, `{"type":"contact","contact":"`+feedB+`","following":true}`)
	contact := c.(*Contact)
	assert.Equal(t, feedB, contact.Contact.String())
	assert.Equal(t, 1, contact.State())

	blocked := decodeTestContent(t, `{"type":"contact","contact":"`+feedB+`","following":true,"blocking":true}`)
	assert.Equal(t, -1, blocked.(*Contact).State())

	neutral := decodeTestContent(t, `{"type":"contact","contact":"`+feedB+`","following":"yes"}`)
	assert.Equal(t, 0, neutral.(*Contact).State())

	_, err := DecodeContent(json.RawMessage(`{"type":"contact","contact":"@bad"}`))
	require.ErrorIs(t, err, ErrContentShape)
}

func TestDecodeContent_Vote(t *testing.T) {
	c := decodeTestContent(t, `{"type":"vote","vote":{"link":"`+msgB+`","value":1,"expression":"Like"}}`)
	v := c.(*Vote)
	assert.Equal(t, msgB, v.Link.String())
	assert.Equal(t, 1, v.Value)
	assert.Equal(t, "Like", v.Expression)

	s := decodeTestContent(t, `{"type":"vote","vote":{"link":"`+msgB+`","value":"-1"}}`)
	assert.Equal(t, -1, s.(*Vote).Value)

	_, err := DecodeContent(json.RawMessage(`{"type":"vote","vote":{"link":"` + msgB + `","value":0.5}}`))
	require.ErrorIs(t, err, ErrContentShape)

	_, err = DecodeContent(json.RawMessage(`{"type":"vote","vote":{"link":"` + msgB + `","value":1e300}}`))
	require.ErrorIs(t, err, ErrContentShape)
}

func TestDecodeContent_About(t *testing.T) {
	c := decodeTestContent(t, `{"type":"about","about":"`+feedA+`","name":"alice","image":"`+blobA+`","extra":[1]}`)
	a := c.(*About)
	assert.Equal(t, ssbref.KindFeed, a.About.Kind())
	assert.Equal(t, "alice", a.Name)
	require.NotNil(t, a.Image)
	assert.Equal(t, blobA, a.Image.Link.String())
	assert.Len(t, a.Fields, 3)
	assert.NotContains(t, a.Fields, "type")
	assert.NotContains(t, a.Fields, "about")

	obj := decodeTestContent(t, `{"type":"about","about":"`+msgB+`","image":{"link":"`+blobA+`","width":10}}`)
	img := obj.(*About).Image
	require.NotNil(t, img)
	require.NotNil(t, img.Width)
	assert.Equal(t, uint64(10), *img.Width)
}

func TestDecodeContent_Unknown(t *testing.T) {
	assert.Equal(t, Unknown{Type: "pub"}, decodeTestContent(t, `{"type":"pub","address":"x"}`))
	assert.Equal(t, Unknown{}, decodeTestContent(t, `{"text":"no type"}`))
	assert.Equal(t, Unknown{}, decodeTestContent(t, `null`))
	assert.Equal(t, Unknown{}, decodeTestContent(t, `"abc.box"`))
}
