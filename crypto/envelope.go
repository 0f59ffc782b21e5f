package crypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// SymmetricKeySize is the per-message AES key size in bytes.
const SymmetricKeySize = 32

var (
	// ErrDecryptionFailure indicates a ciphertext or wrapped key that could
	// not be decrypted with the given private key.
	ErrDecryptionFailure = errors.New("decryption failure")
	// ErrNoRecipients indicates a seal request with an empty recipient set.
	ErrNoRecipients = errors.New("no recipients")
)

// Envelope is the sealed form of one plaintext: the ciphertext, the
// per-recipient wrapped symmetric keys, and the sender's signature over
// the plaintext. All fields are base64 for JSON transport.
type Envelope struct {
	EncMsg  string
	EncKeys map[string]string
	Sig     string
}

// Seal encrypts plaintext once under a fresh random 256-bit AES key and
// wraps that key for every recipient. The plaintext is signed with the
// sender's private key before encryption; the signature travels beside
// the ciphertext.
func Seal(plaintext []byte, senderPriv *rsa.PrivateKey, recipients map[string]*rsa.PublicKey) (*Envelope, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	sig, err := Sign(plaintext, senderPriv)
	if err != nil {
		return nil, err
	}

	symKey := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, symKey); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}

	ciphertext, err := encryptSymmetric(plaintext, symKey)
	if err != nil {
		return nil, err
	}

	encKeys := make(map[string]string, len(recipients))
	for id, pub := range recipients {
		wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, pub, symKey)
		if err != nil {
			return nil, fmt.Errorf("wrap key for %s: %w", id, err)
		}
		encKeys[id] = base64.StdEncoding.EncodeToString(wrapped)
	}

	return &Envelope{
		EncMsg:  base64.StdEncoding.EncodeToString(ciphertext),
		EncKeys: encKeys,
		Sig:     sig,
	}, nil
}

// Open unwraps the symmetric key with the recipient's private key and
// decrypts the ciphertext. Both arguments are the base64 wire values.
func Open(encMsg, encKey string, priv *rsa.PrivateKey) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad key encoding", ErrDecryptionFailure)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encMsg)
	if err != nil {
		return nil, fmt.Errorf("%w: bad message encoding", ErrDecryptionFailure)
	}

	symKey, err := rsa.DecryptPKCS1v15(rand.Reader, priv, wrapped)
	if err != nil || len(symKey) != SymmetricKeySize {
		return nil, ErrDecryptionFailure
	}

	plaintext, err := decryptSymmetric(ciphertext, symKey)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	return plaintext, nil
}

// Sign produces a base64 PKCS#1 v1.5 signature over SHA-256 of the plaintext.
func Sign(plaintext []byte, priv *rsa.PrivateKey) (string, error) {
	digest := sha256.Sum256(plaintext)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether sig is a valid signature over plaintext by the
// holder of pub. A false result never blocks delivery; callers tag the
// message unverified instead.
func Verify(plaintext []byte, sig string, pub *rsa.PublicKey) bool {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(plaintext)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], raw) == nil
}

// encryptSymmetric seals plaintext with AES-256-GCM, nonce prepended.
func encryptSymmetric(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptSymmetric reverses encryptSymmetric.
func decryptSymmetric(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}
