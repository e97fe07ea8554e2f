package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"licensekit/internal/clock"
	"licensekit/pkg/contracts/domain"
)

// EnvelopeVersion is the format version written into every envelope.
const EnvelopeVersion = 1

// MinKDFIterations is the lowest PBKDF2 iteration count the codec accepts.
const MinKDFIterations = 100000

// Codec errors. Each failure class is distinct so callers can tell tampering
// from corruption from a wrong secret.
var (
	ErrEnvelopeFormat = errors.New("malformed license envelope")
	ErrIntegrity      = errors.New("license envelope integrity check failed")
	ErrDecryption     = errors.New("license envelope could not be decrypted")
	ErrRecordFormat   = errors.New("license payload is not a valid license record")
)

// EncryptionConfig defines envelope encryption parameters.
type EncryptionConfig struct {
	KDFIterations int // PBKDF2-HMAC-SHA256 iterations
	SaltSize      int // random salt per envelope
	IVSize        int // AES-GCM nonce size
	KeyLen        int // 32 for AES-256
}

// DefaultEncryptionConfig returns the reference envelope parameters.
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		KDFIterations: MinKDFIterations,
		SaltSize:      32,
		IVSize:        16,
		KeyLen:        32,
	}
}

// ValidateEncryptionConfig validates encryption configuration parameters
func ValidateEncryptionConfig(config *EncryptionConfig) error {
	if config == nil {
		return errors.New("encryption config cannot be nil")
	}
	if config.KDFIterations < MinKDFIterations {
		return fmt.Errorf("KDFIterations must be at least %d", MinKDFIterations)
	}
	if config.SaltSize < 32 {
		return errors.New("SaltSize must be at least 32 bytes")
	}
	if config.IVSize < 16 {
		return errors.New("IVSize must be at least 16 bytes")
	}
	if config.KeyLen != 32 {
		return errors.New("KeyLen must be 32 for AES-256")
	}
	return nil
}

// Codec encrypts license records into envelopes and back.
//
// The application secret is typically embedded in the shipped binary. Anyone
// holding the binary can recover it and mint envelopes, so this scheme only
// raises the cost of casual tampering; it is not sound against a motivated
// attacker with binary access.
type Codec struct {
	config *EncryptionConfig
	clock  clock.Clock
}

// NewCodec creates a codec. A nil config selects DefaultEncryptionConfig and
// a nil clock selects the real clock.
func NewCodec(config *EncryptionConfig, clk clock.Clock) (*Codec, error) {
	if config == nil {
		config = DefaultEncryptionConfig()
	}
	if err := ValidateEncryptionConfig(config); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Codec{config: config, clock: clk}, nil
}

// Encode seals a record and renders it as armored envelope text.
func (c *Codec) Encode(record domain.LicenseRecord, secret []byte) (string, error) {
	env, err := c.Seal(record, secret)
	if err != nil {
		return "", err
	}
	return Armor(env)
}

// Decode parses armored envelope text and returns the record it carries.
func (c *Codec) Decode(text string, secret []byte) (domain.LicenseRecord, error) {
	env, err := Dearmor(text)
	if err != nil {
		return domain.LicenseRecord{}, err
	}
	return c.Open(env, secret)
}

// Seal encrypts a record under a key derived from secret and a fresh salt.
func (c *Codec) Seal(record domain.LicenseRecord, secret []byte) (*domain.Envelope, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret cannot be empty")
	}

	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize license record: %w", err)
	}

	salt := make([]byte, c.config.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	iv := make([]byte, c.config.IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	key := c.deriveKey(secret, salt)
	defer wipe(key)

	gcm, err := newGCM(key, len(iv))
	if err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, iv, plaintext, nil)

	return &domain.Envelope{
		Version:    EnvelopeVersion,
		Salt:       salt,
		IV:         iv,
		Ciphertext: ciphertext,
		Digest:     envelopeDigest(ciphertext, salt),
		CreatedAt:  c.clock.Now().Unix(),
	}, nil
}

// Open verifies and decrypts an envelope. The digest is checked before the
// key is derived; a mismatch fails with ErrIntegrity.
func (c *Codec) Open(env *domain.Envelope, secret []byte) (domain.LicenseRecord, error) {
	var record domain.LicenseRecord

	if err := c.verifyDigest(env); err != nil {
		return record, err
	}

	if len(secret) == 0 {
		return record, fmt.Errorf("%w: secret cannot be empty", ErrDecryption)
	}

	key := c.deriveKey(secret, env.Salt)
	defer wipe(key)

	gcm, err := newGCM(key, len(env.IV))
	if err != nil {
		return record, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	plaintext, err := gcm.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return record, fmt.Errorf("%w: wrong secret or corrupted ciphertext", ErrDecryption)
	}
	defer wipe(plaintext)

	trimmed := bytes.TrimSpace(plaintext)
	if !json.Valid(trimmed) || len(trimmed) == 0 || trimmed[0] != '{' {
		return record, fmt.Errorf("%w: plaintext is not a JSON object", ErrDecryption)
	}
	if err := json.Unmarshal(trimmed, &record); err != nil {
		return domain.LicenseRecord{}, fmt.Errorf("%w: %v", ErrRecordFormat, err)
	}
	return record, nil
}

// CheckIntegrity dearmors text and verifies the envelope digest without
// decrypting. No secret is needed.
func (c *Codec) CheckIntegrity(text string) (*domain.Envelope, error) {
	env, err := Dearmor(text)
	if err != nil {
		return nil, err
	}
	if err := c.verifyDigest(env); err != nil {
		return nil, err
	}
	return env, nil
}

func (c *Codec) verifyDigest(env *domain.Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: envelope is nil", ErrEnvelopeFormat)
	}
	if err := c.checkShape(env); err != nil {
		return err
	}
	expected := envelopeDigest(env.Ciphertext, env.Salt)
	if subtle.ConstantTimeCompare(env.Digest, expected) != 1 {
		return fmt.Errorf("%w: digest mismatch, envelope was modified", ErrIntegrity)
	}
	return nil
}

func (c *Codec) checkShape(env *domain.Envelope) error {
	switch {
	case env.Version != EnvelopeVersion:
		return fmt.Errorf("%w: unsupported envelope version %d", ErrEnvelopeFormat, env.Version)
	case len(env.Salt) < c.config.SaltSize:
		return fmt.Errorf("%w: salt is %d bytes", ErrEnvelopeFormat, len(env.Salt))
	case len(env.IV) < 16:
		return fmt.Errorf("%w: iv is %d bytes", ErrEnvelopeFormat, len(env.IV))
	case len(env.Ciphertext) == 0:
		return fmt.Errorf("%w: empty ciphertext", ErrEnvelopeFormat)
	case len(env.Digest) != sha256.Size:
		return fmt.Errorf("%w: digest is %d bytes", ErrEnvelopeFormat, len(env.Digest))
	}
	return nil
}

func (c *Codec) deriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, c.config.KDFIterations, c.config.KeyLen, sha256.New)
}

func newGCM(key []byte, nonceSize int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// envelopeDigest is SHA-256(ciphertext || salt).
func envelopeDigest(ciphertext, salt []byte) []byte {
	h := sha256.New()
	h.Write(ciphertext)
	h.Write(salt)
	return h.Sum(nil)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SecureCompare performs constant-time comparison to prevent timing attacks
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
