// Package secret encrypts session credentials at rest.
//
// Keys are derived from a process-wide secret with PBKDF2-SHA256 and used
// with XChaCha20-Poly1305. Ciphertexts are base64url strings laid out as
// version(1) | nonce(24) | sealed payload.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultSalt       = "telegram_bot_salt"
	DefaultIterations = 100_000

	version byte = 1
)

// ErrDecryption marks every failure to open a ciphertext.
var ErrDecryption = errors.New("secret: decryption failed")

// DecryptionError is returned on tamper, truncation, or key mismatch.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string { return "secret: decryption failed: " + e.Reason }
func (e *DecryptionError) Unwrap() error { return ErrDecryption }

type Options struct {
	Salt       string
	Iterations int
}

// Vault encrypts and decrypts with one derived key. Safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

func New(passphrase string, opt Options) (*Vault, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.WithHint(errors.New("secret: empty encryption key"),
			"set secrets.encryption_key or TGNINJA_ENCRYPTION_KEY")
	}
	salt := opt.Salt
	if salt == "" {
		salt = DefaultSalt
	}
	iter := opt.Iterations
	if iter <= 0 {
		iter = DefaultIterations
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(salt), iter, chacha20poly1305.KeySize, sha256.New)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "secret: init cipher")
	}
	return &Vault{aead: aead}, nil
}

func (v *Vault) Encrypt(plaintext string) (string, error) {
	ns := v.aead.NonceSize()
	out := make([]byte, 1+ns, 1+ns+len(plaintext)+v.aead.Overhead())
	out[0] = version
	nonce := out[1:]
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "secret: nonce")
	}
	out = v.aead.Seal(out, nonce, []byte(plaintext), []byte{version})
	return base64.RawURLEncoding.EncodeToString(out), nil
}

func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", &DecryptionError{Reason: "malformed encoding"}
	}
	ns := v.aead.NonceSize()
	if len(raw) < 1+ns+v.aead.Overhead() {
		return "", &DecryptionError{Reason: "truncated ciphertext"}
	}
	if raw[0] != version {
		return "", &DecryptionError{Reason: "unknown version"}
	}
	pt, err := v.aead.Open(nil, raw[1:1+ns], raw[1+ns:], raw[:1])
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed"}
	}
	return string(pt), nil
}
