package vibesync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// encryptionNonceSize is the nonce size for AES-GCM.
	encryptionNonceSize = 12
	// encryptionSaltSize is the salt size for key derivation.
	encryptionSaltSize = 32
	// encryptionKeySize is the AES-256 key size.
	encryptionKeySize = 32
	// pbkdf2Iterations is the number of iterations for key derivation.
	pbkdf2Iterations = 100000
)

// EncryptionConfig configures encryption at rest for queue and archive data.
type EncryptionConfig struct {
	// Enabled turns on encryption for persisted payloads
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Key is the encryption key (must be 32 bytes for AES-256).
	// If empty, KeyPassword is used to derive a key.
	Key []byte `json:"-" yaml:"-"`
	// KeyPassword is used to derive the encryption key via PBKDF2
	KeyPassword string `json:"-" yaml:"key_password"`
}

// Encryptor encrypts and decrypts persisted payloads with AES-256-GCM.
// Each blob is self-contained: the key-derivation salt and nonce are
// prepended, so data written by one process can be read by another built
// from the same configuration.
type Encryptor struct {
	gcm      cipher.AEAD
	salt     []byte
	password string

	mu      sync.Mutex
	derived map[string]cipher.AEAD
}

// NewEncryptor creates a new encryptor from a key or password.
// Returns (nil, nil) when encryption is disabled.
func NewEncryptor(cfg EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	salt := make([]byte, encryptionSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	var key []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != encryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.KeyPassword != "":
		key = pbkdf2.Key([]byte(cfg.KeyPassword), salt, pbkdf2Iterations, encryptionKeySize, sha256.New)
	default:
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	return &Encryptor{
		gcm:      gcm,
		salt:     salt,
		password: cfg.KeyPassword,
		derived:  map[string]cipher.AEAD{string(salt): gcm},
	}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext into a self-contained blob: salt || nonce || ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, encryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	blob := make([]byte, 0, encryptionSaltSize+encryptionNonceSize+len(plaintext)+e.gcm.Overhead())
	blob = append(blob, e.salt...)
	blob = append(blob, nonce...)
	return e.gcm.Seal(blob, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. In password mode the key is
// re-derived from the salt carried in the blob, so blobs written under an
// earlier salt remain readable.
func (e *Encryptor) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < encryptionSaltSize+encryptionNonceSize {
		return nil, errors.New("ciphertext too short")
	}

	salt := blob[:encryptionSaltSize]
	nonce := blob[encryptionSaltSize : encryptionSaltSize+encryptionNonceSize]
	ciphertext := blob[encryptionSaltSize+encryptionNonceSize:]

	gcm, err := e.aeadForSalt(salt)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (e *Encryptor) aeadForSalt(salt []byte) (cipher.AEAD, error) {
	// Key mode: the salt is informational, the key never changes.
	if e.password == "" {
		return e.gcm, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if gcm, ok := e.derived[string(salt)]; ok {
		return gcm, nil
	}
	key := pbkdf2.Key([]byte(e.password), salt, pbkdf2Iterations, encryptionKeySize, sha256.New)
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	e.derived[string(salt)] = gcm
	return gcm, nil
}

// Salt returns the salt currently used for encryption.
func (e *Encryptor) Salt() []byte {
	return e.salt
}
