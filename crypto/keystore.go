package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrKeystoreLocked indicates the keystore file exists but the passphrase
// failed to decrypt it.
var ErrKeystoreLocked = errors.New("keystore passphrase incorrect")

// Identity is one client's stable identity: the opaque clientId and the
// RSA keypair. The clientId never changes across sessions; the display
// name is chosen per connection and is not part of the identity.
type Identity struct {
	ClientID string
	KeyPair  *KeyPair
}

// keystoreFile is the on-disk layout. The private key PEM is sealed with
// XChaCha20-Poly1305 under an Argon2id-derived key.
type keystoreFile struct {
	ClientID string `json:"clientId"`
	Salt     string `json:"salt"`
	Sealed   string `json:"sealed"`
}

const keystoreSaltSize = 16

// LoadOrCreateIdentity opens the identity keystore at path, creating a new
// identity (fresh clientId, fresh keypair) if no file exists yet.
func LoadOrCreateIdentity(path, passphrase string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return createIdentity(path, passphrase)
	}
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return nil, fmt.Errorf("parse keystore salt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(file.Sealed)
	if err != nil {
		return nil, fmt.Errorf("parse keystore payload: %w", err)
	}

	pemBytes, err := unseal(sealed, deriveKey(passphrase, salt))
	if err != nil {
		return nil, ErrKeystoreLocked
	}
	priv, err := DecodePrivateKey(string(pemBytes))
	if err != nil {
		return nil, fmt.Errorf("keystore key: %w", err)
	}

	return &Identity{
		ClientID: file.ClientID,
		KeyPair:  &KeyPair{Public: &priv.PublicKey, Private: priv},
	}, nil
}

func createIdentity(path, passphrase string) (*Identity, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	id := &Identity{ClientID: uuid.NewString(), KeyPair: kp}

	salt := make([]byte, keystoreSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate keystore salt: %w", err)
	}

	sealed, err := seal([]byte(EncodePrivateKey(kp.Private)), deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(keystoreFile{
		ClientID: id.ClientID,
		Salt:     base64.StdEncoding.EncodeToString(salt),
		Sealed:   base64.StdEncoding.EncodeToString(sealed),
	}, "", "  ")
	if err != nil {
		return nil, err
	}

	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write keystore: %w", err)
	}
	return id, nil
}

// deriveKey stretches the passphrase with Argon2id.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}

func seal(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func unseal(sealed, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed payload too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}

// writeFileAtomic writes to a temp file in the same directory and renames
// it over the destination, so a crash never leaves a torn keystore.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
