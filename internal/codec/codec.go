// Package codec implements the authenticated-encryption format used to
// protect account numbers and player data at rest.
//
// Ciphertext is AES-256-GCM, serialized as
//
//	ENC:<ivHex>:<authTagHex>:<cipherHex>
//
// with a random 96-bit IV. The deterministic variant, prefixed DENC:, derives
// the IV from an HMAC-SHA256 of the plaintext so that encrypting the same
// value twice yields identical output, which makes equality search over
// encrypted columns possible.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	prefixStandard      = "ENC:"
	prefixDeterministic = "DENC:"

	ivSize  = 12
	tagSize = 16
)

var (
	// ErrKeyMissing indicates no encryption key was configured.
	ErrKeyMissing = errors.New("encryption key missing")
	// ErrKeyMalformed indicates the key is not 64 hex characters (32 bytes).
	ErrKeyMalformed = errors.New("encryption key malformed: want 64 hex characters")
)

// Outcome describes what Decrypt actually did with its input.
type Outcome int

const (
	// OutcomePlaintext means the input carried no ENC:/DENC: prefix and was
	// returned as-is (legacy unencrypted data).
	OutcomePlaintext Outcome = iota
	// OutcomeDecrypted means the input authenticated and decrypted cleanly.
	OutcomeDecrypted
	// OutcomeFailedPassthrough means the input looked encrypted but could not
	// be decrypted (truncated, wrong key, failed auth) and was returned
	// unchanged. Callers that care about corruption must check for this.
	OutcomeFailedPassthrough
)

// Result is the outcome of a Decrypt call. Value always holds something
// usable; Outcome says whether it is trustworthy.
type Result struct {
	Value   string
	Outcome Outcome
}

// Codec encrypts and decrypts short strings with a single 256-bit key.
type Codec struct {
	key []byte
}

// New builds a Codec from a 64-hex-character key string.
func New(hexKey string) (*Codec, error) {
	if hexKey == "" {
		return nil, ErrKeyMissing
	}
	if len(hexKey) != 64 {
		return nil, ErrKeyMalformed
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMalformed, err)
	}
	return &Codec{key: key}, nil
}

// Encrypt produces an ENC: ciphertext with a random IV. Two calls on the same
// plaintext yield different ciphertexts.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	return c.seal(prefixStandard, iv, plaintext)
}

// EncryptDeterministic produces a DENC: ciphertext whose IV is derived from
// the plaintext, so equal inputs always produce equal outputs.
func (c *Codec) EncryptDeterministic(plaintext string) (string, error) {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(plaintext))
	iv := mac.Sum(nil)[:ivSize]
	return c.seal(prefixDeterministic, iv, plaintext)
}

func (c *Codec) seal(prefix string, iv []byte, plaintext string) (string, error) {
	gcm, err := c.aead()
	if err != nil {
		return "", err
	}

	// Seal appends the 16-byte auth tag to the ciphertext; the wire format
	// keeps them as separate hex fields.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return prefix + hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt/EncryptDeterministic. Inputs without a recognized
// prefix pass through as legacy plaintext; inputs that fail to parse or
// authenticate also pass through, but flagged OutcomeFailedPassthrough so the
// caller can tell corruption from legacy data.
func (c *Codec) Decrypt(input string) Result {
	var body string
	switch {
	case strings.HasPrefix(input, prefixStandard):
		body = input[len(prefixStandard):]
	case strings.HasPrefix(input, prefixDeterministic):
		body = input[len(prefixDeterministic):]
	default:
		return Result{Value: input, Outcome: OutcomePlaintext}
	}

	parts := strings.Split(body, ":")
	if len(parts) != 3 {
		return Result{Value: input, Outcome: OutcomeFailedPassthrough}
	}

	iv, err1 := hex.DecodeString(parts[0])
	tag, err2 := hex.DecodeString(parts[1])
	ct, err3 := hex.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || len(iv) != ivSize || len(tag) != tagSize {
		return Result{Value: input, Outcome: OutcomeFailedPassthrough}
	}

	gcm, err := c.aead()
	if err != nil {
		return Result{Value: input, Outcome: OutcomeFailedPassthrough}
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return Result{Value: input, Outcome: OutcomeFailedPassthrough}
	}

	return Result{Value: string(plaintext), Outcome: OutcomeDecrypted}
}

// NormalizeAccount decrypts an account number if needed and strips spaces,
// matching how account numbers are keyed elsewhere in the system.
func (c *Codec) NormalizeAccount(account string) string {
	res := c.Decrypt(account)
	return strings.ReplaceAll(strings.TrimSpace(res.Value), " ", "")
}

func (c *Codec) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}
