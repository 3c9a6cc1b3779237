// Package privatebox implements the private-box format SSB uses for encrypted message content.
//
// A boxed message is laid out as:
//
//	nonce (24) | ephemeral curve25519 public key (32) | one header per recipient | body
//
// Each header is secretbox(recipient count || body key) under the X25519 shared secret between
// the ephemeral key and the recipient. The body is secretbox(plaintext) under the body key. All
// secretboxes share the nonce.
package privatebox

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"io"

	"filippo.io/edwards25519"
	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	nonceSize  = 24
	keySize    = 32
	headerSize = 1 + keySize + secretbox.Overhead

	// MaxRecipients is bounded by the single length byte in each header.
	MaxRecipients = 255
)

// SecretKey is a curve25519 scalar able to open boxes addressed to its public key.
type SecretKey [keySize]byte

// PublicKey is a curve25519 point that boxes can be addressed to.
type PublicKey [keySize]byte

// SecretKeyFromEd25519 converts an ed25519 signing key into its curve25519 scalar.
func SecretKeyFromEd25519(priv ed25519.PrivateKey) SecretKey {
	h := sha512.Sum512(priv.Seed())
	var sk SecretKey
	copy(sk[:], h[:keySize])
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
	return sk
}

// Public returns the curve25519 public key for sk.
func (sk SecretKey) Public() (PublicKey, error) {
	var pk PublicKey
	out, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return pk, errors.Wrap(err, "private box: derive public key")
	}
	copy(pk[:], out)
	return pk, nil
}

// PublicKeyFromEd25519 maps an ed25519 feed key onto the curve25519 key its owner decrypts with.
func PublicKeyFromEd25519(pub ed25519.PublicKey) (PublicKey, error) {
	var pk PublicKey
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return pk, errors.Wrap(err, "private box: invalid ed25519 public key")
	}
	copy(pk[:], p.BytesMontgomery())
	return pk, nil
}

// Open attempts to decrypt ciphertext with sk. It returns false when sk is not a recipient or
// the ciphertext is malformed; neither case is an error.
func Open(ciphertext []byte, sk SecretKey) ([]byte, bool) {
	const start = nonceSize + keySize
	if len(ciphertext) < start+headerSize+secretbox.Overhead {
		return nil, false
	}

	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	shared, err := curve25519.X25519(sk[:], ciphertext[nonceSize:start])
	if err != nil {
		return nil, false
	}
	var sharedKey [keySize]byte
	copy(sharedKey[:], shared)

	for i := 0; i < MaxRecipients; i++ {
		s := start + headerSize*i
		if s+headerSize > len(ciphertext)-secretbox.Overhead {
			return nil, false
		}
		header, ok := secretbox.Open(nil, ciphertext[s:s+headerSize], &nonce, &sharedKey)
		if !ok {
			continue
		}
		var bodyKey [keySize]byte
		copy(bodyKey[:], header[1:])
		bodyStart := start + headerSize*int(header[0])
		if bodyStart > len(ciphertext) {
			return nil, false
		}
		return secretbox.Open(nil, ciphertext[bodyStart:], &nonce, &bodyKey)
	}
	return nil, false
}

// Decrypt tries each key in order and returns the first successful plaintext.
func Decrypt(ciphertext []byte, keys []SecretKey) ([]byte, bool) {
	for _, sk := range keys {
		if plaintext, ok := Open(ciphertext, sk); ok {
			return plaintext, true
		}
	}
	return nil, false
}

// Seal boxes plaintext for the given recipients.
func Seal(plaintext []byte, recipients []PublicKey) ([]byte, error) {
	return sealWith(rand.Reader, plaintext, recipients)
}

func sealWith(r io.Reader, plaintext []byte, recipients []PublicKey) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, errors.New("private box: no recipients")
	}
	if len(recipients) > MaxRecipients {
		return nil, errors.Errorf("private box: %d recipients exceeds %d", len(recipients), MaxRecipients)
	}

	var (
		nonce        [nonceSize]byte
		bodyKey      [keySize]byte
		ephemeralKey SecretKey
	)
	for _, buf := range [][]byte{nonce[:], bodyKey[:], ephemeralKey[:]} {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrap(err, "private box: read randomness")
		}
	}
	ephemeralPub, err := ephemeralKey.Public()
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, 1+keySize)
	header = append(header, byte(len(recipients)))
	header = append(header, bodyKey[:]...)

	out := make([]byte, 0, nonceSize+keySize+headerSize*len(recipients)+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	out = append(out, ephemeralPub[:]...)
	for _, pk := range recipients {
		shared, err := curve25519.X25519(ephemeralKey[:], pk[:])
		if err != nil {
			return nil, errors.Wrap(err, "private box: shared secret")
		}
		var sharedKey [keySize]byte
		copy(sharedKey[:], shared)
		out = secretbox.Seal(out, header, &nonce, &sharedKey)
	}
	return secretbox.Seal(out, plaintext, &nonce, &bodyKey), nil
}
