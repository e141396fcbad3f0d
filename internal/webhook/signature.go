package webhook

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SendGrid event-webhook signature headers.
const (
	SignatureHeader = "X-Twilio-Email-Event-Webhook-Signature"
	TimestampHeader = "X-Twilio-Email-Event-Webhook-Timestamp"
)

// MaxTimestampSkew is the replay window: requests whose timestamp header is
// further than this from the verifier's clock are rejected even when the
// signature itself is valid.
const MaxTimestampSkew = 5 * time.Minute

var (
	// ErrSignatureMissing indicates an absent signature or timestamp header.
	ErrSignatureMissing = errors.New("signature or timestamp header missing")
	// ErrSignatureInvalid indicates the payload does not verify against the
	// configured public key.
	ErrSignatureInvalid = errors.New("signature verification failed")
	// ErrReplayWindowExceeded indicates a timestamp outside the allowed skew.
	ErrReplayWindowExceeded = errors.New("timestamp outside replay window")
)

// SignatureVerifier checks the ECDSA signature SendGrid computes over
// timestamp || body with the account's event-webhook key.
type SignatureVerifier struct {
	publicKey *ecdsa.PublicKey
	now       func() time.Time
}

// NewSignatureVerifier parses the configured public key. The key may arrive
// PEM-wrapped or as the bare base64 string the SendGrid UI displays; both
// forms are normalized before parsing.
func NewSignatureVerifier(publicKey string) (*SignatureVerifier, error) {
	der, err := decodePublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	ecKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want ECDSA", parsed)
	}

	return &SignatureVerifier{publicKey: ecKey, now: time.Now}, nil
}

func decodePublicKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("public key is empty")
	}

	if strings.Contains(key, "BEGIN PUBLIC KEY") {
		block, _ := pem.Decode([]byte(key))
		if block == nil {
			return nil, fmt.Errorf("invalid PEM block in public key")
		}
		return block.Bytes, nil
	}

	der, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decode public key base64: %w", err)
	}
	return der, nil
}

// Verify checks the signature and timestamp headers against the raw request
// body. The replay-window check runs first and rejects stale requests
// regardless of signature validity.
func (v *SignatureVerifier) Verify(body []byte, signature, timestamp string) error {
	if signature == "" || timestamp == "" {
		return ErrSignatureMissing
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrSignatureInvalid, timestamp)
	}

	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return ErrReplayWindowExceeded
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrSignatureInvalid)
	}

	payload := make([]byte, 0, len(timestamp)+len(body))
	payload = append(payload, timestamp...)
	payload = append(payload, body...)
	digest := sha256.Sum256(payload)

	if !ecdsa.VerifyASN1(v.publicKey, digest[:], sig) {
		return ErrSignatureInvalid
	}

	return nil
}
