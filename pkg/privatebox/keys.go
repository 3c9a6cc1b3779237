package privatebox

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/ahdinosaur/ssb-archive/pkg/ssbref"
)

const ed25519Suffix = ".ed25519"

// Keypair is an SSB identity loaded from a secret file.
type Keypair struct {
	ID      ssbref.Feed
	Private ed25519.PrivateKey
}

func (k Keypair) SecretKey() SecretKey {
	return SecretKeyFromEd25519(k.Private)
}

type secretFile struct {
	Curve   string `json:"curve"`
	Public  string `json:"public"`
	Private string `json:"private"`
	ID      string `json:"id"`
}

// LoadSecretFile reads an SSB `secret` file. Lines starting with '#' are comments.
func LoadSecretFile(path string) (Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Keypair{}, errors.Wrapf(err, "read secret file %s", path)
	}
	kp, err := ParseSecret(data)
	if err != nil {
		return Keypair{}, errors.Wrapf(err, "parse secret file %s", path)
	}
	return kp, nil
}

func ParseSecret(data []byte) (Keypair, error) {
	var body bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return Keypair{}, err
	}

	var sf secretFile
	if err := json.Unmarshal(body.Bytes(), &sf); err != nil {
		return Keypair{}, errors.Wrap(err, "secret json")
	}
	if sf.Curve != "" && sf.Curve != "ed25519" {
		return Keypair{}, errors.Errorf("unsupported curve %q", sf.Curve)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(sf.Private, ed25519Suffix))
	if err != nil {
		return Keypair{}, errors.Wrap(err, "private key base64")
	}
	if len(raw) != ed25519.PrivateKeySize {
		return Keypair{}, errors.Errorf("private key has %d bytes", len(raw))
	}
	priv := ed25519.PrivateKey(raw)

	var id ssbref.Feed
	copy(id[:], priv.Public().(ed25519.PublicKey))
	if sf.ID != "" && sf.ID != id.String() {
		return Keypair{}, errors.Errorf("id %s does not match private key", sf.ID)
	}
	return Keypair{ID: id, Private: priv}, nil
}

// LoadSecretKeys loads each path and returns the decryption keys in the same order.
func LoadSecretKeys(paths []string) ([]SecretKey, error) {
	keys := make([]SecretKey, 0, len(paths))
	for _, p := range paths {
		kp, err := LoadSecretFile(p)
		if err != nil {
			return nil, err
		}
		keys = append(keys, kp.SecretKey())
	}
	return keys, nil
}
