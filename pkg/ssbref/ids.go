package ssbref

// Feed identifies a feed by its ed25519 public key.
type Feed [PayloadSize]byte

func ParseFeed(s string) (Feed, error) {
	b, err := parsePayload(KindFeed, feedSingle, feedSuffix, s)
	return Feed(b), err
}

func IsFeed(s string) bool { return feedSingle.MatchString(s) }

func (f Feed) String() string  { return encodePayload(feedSigil, f, feedSuffix) }
func (f Feed) URLSafe() string { return urlSafePayload(f) }
func (f Feed) Kind() Kind      { return KindFeed }
func (f Feed) IsZero() bool    { return f == Feed{} }
func (Feed) isLink()           {}

func (f Feed) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Feed) UnmarshalText(text []byte) error {
	v, err := ParseFeed(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Msg identifies a message by the sha256 of its signed value.
type Msg [PayloadSize]byte

func ParseMsg(s string) (Msg, error) {
	b, err := parsePayload(KindMsg, msgSingle, hashSuffix, s)
	return Msg(b), err
}

func IsMsg(s string) bool { return msgSingle.MatchString(s) }

func (m Msg) String() string  { return encodePayload(msgSigil, m, hashSuffix) }
func (m Msg) URLSafe() string { return urlSafePayload(m) }
func (m Msg) Kind() Kind      { return KindMsg }
func (m Msg) IsZero() bool    { return m == Msg{} }
func (Msg) isLink()           {}

func (m Msg) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Msg) UnmarshalText(text []byte) error {
	v, err := ParseMsg(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Blob identifies a blob by the sha256 of its bytes.
type Blob [PayloadSize]byte

func ParseBlob(s string) (Blob, error) {
	b, err := parsePayload(KindBlob, blobSingle, hashSuffix, s)
	return Blob(b), err
}

func IsBlob(s string) bool { return blobSingle.MatchString(s) }

func (b Blob) String() string  { return encodePayload(blobSigil, b, hashSuffix) }
func (b Blob) URLSafe() string { return urlSafePayload(b) }
func (b Blob) Kind() Kind      { return KindBlob }
func (b Blob) IsZero() bool    { return b == Blob{} }
func (Blob) isLink()           {}

func (b Blob) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *Blob) UnmarshalText(text []byte) error {
	v, err := ParseBlob(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}
