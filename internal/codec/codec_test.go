package codec

import (
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(testKey)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func TestNew_KeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"valid", testKey, nil},
		{"empty", "", ErrKeyMissing},
		{"too short", "abcd", ErrKeyMalformed},
		{"too long", testKey + "00", ErrKeyMalformed},
		{"not hex", strings.Repeat("z", 64), ErrKeyMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.key)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr.Error()) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEncrypt_Roundtrip(t *testing.T) {
	c := newTestCodec(t)

	ct, err := c.Encrypt("ACC-12345")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(ct, "ENC:") {
		t.Fatalf("ciphertext missing ENC: prefix: %s", ct)
	}
	if parts := strings.Split(strings.TrimPrefix(ct, "ENC:"), ":"); len(parts) != 3 {
		t.Fatalf("expected 3 colon-separated fields, got %d", len(parts))
	}

	res := c.Decrypt(ct)
	if res.Outcome != OutcomeDecrypted {
		t.Fatalf("outcome = %d, want OutcomeDecrypted", res.Outcome)
	}
	if res.Value != "ACC-12345" {
		t.Fatalf("value = %q", res.Value)
	}
}

func TestEncrypt_RandomIVDiffers(t *testing.T) {
	c := newTestCodec(t)

	a, err := c.Encrypt("same input")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := c.Encrypt("same input")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Fatal("two random-IV encryptions of the same plaintext should differ")
	}
}

func TestEncryptDeterministic_StableOutput(t *testing.T) {
	c := newTestCodec(t)

	a, err := c.EncryptDeterministic("ACC-777")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := c.EncryptDeterministic("ACC-777")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a != b {
		t.Fatalf("deterministic encryption should be stable: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "DENC:") {
		t.Fatalf("missing DENC: prefix: %s", a)
	}

	res := c.Decrypt(a)
	if res.Outcome != OutcomeDecrypted || res.Value != "ACC-777" {
		t.Fatalf("roundtrip failed: %+v", res)
	}
}

func TestEncryptDeterministic_DifferentInputsDiffer(t *testing.T) {
	c := newTestCodec(t)

	a, _ := c.EncryptDeterministic("ACC-1")
	b, _ := c.EncryptDeterministic("ACC-2")
	if a == b {
		t.Fatal("different plaintexts should not collide")
	}
}

func TestDecrypt_PlaintextPassthrough(t *testing.T) {
	c := newTestCodec(t)

	res := c.Decrypt("legacy-plain-account")
	if res.Outcome != OutcomePlaintext {
		t.Fatalf("outcome = %d, want OutcomePlaintext", res.Outcome)
	}
	if res.Value != "legacy-plain-account" {
		t.Fatalf("value = %q", res.Value)
	}
}

func TestDecrypt_FailedPassthrough(t *testing.T) {
	c := newTestCodec(t)

	valid, err := c.Encrypt("something")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	flipped := byte('0')
	if valid[len(valid)-1] == '0' {
		flipped = '1'
	}
	tampered := valid[:len(valid)-1] + string(flipped)

	tests := []struct {
		name  string
		input string
	}{
		{"truncated", "ENC:deadbeef"},
		{"not hex", "ENC:zz:zz:zz"},
		{"bad iv length", "ENC:dead:beefbeefbeefbeefbeefbeefbeefbeef:00"},
		{"tampered ciphertext", tampered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Decrypt(tt.input)
			if res.Outcome != OutcomeFailedPassthrough {
				t.Fatalf("outcome = %d, want OutcomeFailedPassthrough", res.Outcome)
			}
			if res.Value != tt.input {
				t.Fatalf("failed decrypt must pass input through unchanged, got %q", res.Value)
			}
		})
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	c1 := newTestCodec(t)
	c2, err := New(strings.Repeat("f", 64))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	ct, err := c1.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	res := c2.Decrypt(ct)
	if res.Outcome != OutcomeFailedPassthrough {
		t.Fatalf("outcome = %d, want OutcomeFailedPassthrough", res.Outcome)
	}
}

func TestNormalizeAccount(t *testing.T) {
	c := newTestCodec(t)

	ct, err := c.EncryptDeterministic(" 12 34 56 ")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"encrypted with spaces", ct, "123456"},
		{"plaintext with spaces", " 98 76 ", "9876"},
		{"already clean", "5555", "5555"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.NormalizeAccount(tt.input); got != tt.want {
				t.Errorf("NormalizeAccount(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
