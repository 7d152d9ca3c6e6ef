package configstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"

	"github.com/cuemby/overwatch/pkg/types"
)

// ageHeader starts every binary age file
var ageHeader = []byte("age-encryption.org/v1\n")

// ErrPassphraseRequired is returned for an encrypted sidecar when the store
// has no passphrase
var ErrPassphraseRequired = errors.New("keys sidecar is encrypted and no passphrase is configured")

// scryptWorkFactor is the log2 scrypt cost for encrypted sidecars
var scryptWorkFactor = 18

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("configstore: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxByteStringLen: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("configstore: CBOR decoder initialization failed: " + err.Error())
	}
}

// encodeKeys serializes a key bundle, encrypting it with an age scrypt
// recipient when passphrase is set
func encodeKeys(keys *types.KeyBundle, passphrase string) ([]byte, error) {
	plaintext, err := encMode.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("failed to encode keys: %w", err)
	}
	if passphrase == "" {
		return plaintext, nil
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to create scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(scryptWorkFactor)
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to create age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to encrypt keys: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize keys encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeKeys reverses encodeKeys. Plain and encrypted sidecars are told
// apart by the age header, so enabling a passphrase does not strand older
// snapshots.
func decodeKeys(data []byte, passphrase string) (*types.KeyBundle, error) {
	if bytes.HasPrefix(data, ageHeader) {
		if passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		identity, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to create scrypt identity: %w", err)
		}
		r, err := age.Decrypt(bytes.NewReader(data), identity)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt keys: %w", err)
		}
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read decrypted keys: %w", err)
		}
	}

	var keys types.KeyBundle
	if err := decMode.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to decode keys: %w", err)
	}
	if keys.ProvisionerName == "" || len(keys.ProvisionerKey) == 0 {
		return nil, fmt.Errorf("keys sidecar has no provisioner identity")
	}
	return &keys, nil
}
