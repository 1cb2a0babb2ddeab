package wden

import (
	"bytes"
	"crypto/aes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"strconv"
	"strings"

	aescipher "crypto/cipher"
)

// EncType is the Bitwarden cipher string type tag. The set is closed;
// anything outside it is rejected at parse time.
type EncType int

const (
	AesCbc256               EncType = 0
	AesCbc128HmacSha256     EncType = 1
	AesCbc256HmacSha256     EncType = 2
	Rsa2048OaepSha256       EncType = 3
	Rsa2048OaepSha1         EncType = 4
	Rsa2048OaepSha256Hmac   EncType = 5
	Rsa2048OaepSha1Hmac     EncType = 6
)

func (t EncType) hasIV() bool {
	return t == AesCbc256 || t == AesCbc128HmacSha256 || t == AesCbc256HmacSha256
}

func (t EncType) hasMac() bool {
	return t != AesCbc256 && t != Rsa2048OaepSha1 && t != Rsa2048OaepSha256
}

// CipherString is a parsed Bitwarden ciphertext envelope. The wire form is
// "<type>.<iv>|<ct>|<mac>" for the AES types and "<type>.<ct>" for the RSA
// types, with all segments base64-encoded. The zero value is the empty
// envelope, which the server uses for absent fields and which decrypts to
// nothing.
type CipherString struct {
	Type EncType
	IV   []byte
	CT   []byte
	MAC  []byte

	present bool
}

// ParseCipherString parses the wire form of an envelope. The empty string
// yields the empty envelope.
func ParseCipherString(s string) (CipherString, error) {
	var c CipherString
	if s == "" {
		return c, nil
	}

	typeStr, rest, found := strings.Cut(s, ".")
	if !found {
		return c, fmt.Errorf("%w: missing type separator", ErrMalformedEnvelope)
	}
	t, err := strconv.Atoi(typeStr)
	if err != nil || t < int(AesCbc256) || t > int(Rsa2048OaepSha1Hmac) {
		return c, fmt.Errorf("%w: %q", ErrUnsupportedCipherType, typeStr)
	}
	c.Type = EncType(t)
	c.present = true

	if c.Type.hasIV() && c.Type.hasMac() {
		parts := strings.Split(rest, "|")
		if len(parts) != 3 {
			return CipherString{}, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedEnvelope, len(parts))
		}
		if c.IV, err = base64.StdEncoding.DecodeString(parts[0]); err != nil {
			return CipherString{}, fmt.Errorf("%w: bad iv encoding", ErrMalformedEnvelope)
		}
		if c.CT, err = base64.StdEncoding.DecodeString(parts[1]); err != nil {
			return CipherString{}, fmt.Errorf("%w: bad ciphertext encoding", ErrMalformedEnvelope)
		}
		if c.MAC, err = base64.StdEncoding.DecodeString(parts[2]); err != nil {
			return CipherString{}, fmt.Errorf("%w: bad mac encoding", ErrMalformedEnvelope)
		}
		return c, nil
	}

	if c.Type.hasIV() {
		// Type 0: iv and ciphertext, no mac.
		parts := strings.Split(rest, "|")
		if len(parts) != 2 {
			return CipherString{}, fmt.Errorf("%w: expected 2 segments, got %d", ErrMalformedEnvelope, len(parts))
		}
		if c.IV, err = base64.StdEncoding.DecodeString(parts[0]); err != nil {
			return CipherString{}, fmt.Errorf("%w: bad iv encoding", ErrMalformedEnvelope)
		}
		if c.CT, err = base64.StdEncoding.DecodeString(parts[1]); err != nil {
			return CipherString{}, fmt.Errorf("%w: bad ciphertext encoding", ErrMalformedEnvelope)
		}
		return c, nil
	}

	if c.Type.hasMac() {
		// Types 5 and 6 (RSA + HMAC hybrids) are parsed for completeness
		// but no supported server sends them; decrypt rejects them.
		parts := strings.Split(rest, "|")
		if len(parts) != 2 {
			return CipherString{}, fmt.Errorf("%w: expected 2 segments, got %d", ErrMalformedEnvelope, len(parts))
		}
		if c.CT, err = base64.StdEncoding.DecodeString(parts[0]); err != nil {
			return CipherString{}, fmt.Errorf("%w: bad ciphertext encoding", ErrMalformedEnvelope)
		}
		if c.MAC, err = base64.StdEncoding.DecodeString(parts[1]); err != nil {
			return CipherString{}, fmt.Errorf("%w: bad mac encoding", ErrMalformedEnvelope)
		}
		return c, nil
	}

	if strings.Contains(rest, "|") {
		return CipherString{}, fmt.Errorf("%w: unexpected segment separator", ErrMalformedEnvelope)
	}
	if c.CT, err = base64.StdEncoding.DecodeString(rest); err != nil {
		return CipherString{}, fmt.Errorf("%w: bad ciphertext encoding", ErrMalformedEnvelope)
	}
	return c, nil
}

// IsEmpty reports whether this is the empty envelope.
func (c CipherString) IsEmpty() bool {
	return !c.present
}

// String re-encodes the envelope into its wire form. The empty envelope
// encodes to the empty string.
func (c CipherString) String() string {
	if !c.present {
		return ""
	}
	ct := base64.StdEncoding.EncodeToString(c.CT)
	if c.Type.hasIV() && c.Type.hasMac() {
		iv := base64.StdEncoding.EncodeToString(c.IV)
		mac := base64.StdEncoding.EncodeToString(c.MAC)
		return fmt.Sprintf("%d.%s|%s|%s", c.Type, iv, ct, mac)
	}
	return fmt.Sprintf("%d.%s", c.Type, ct)
}

func (c *CipherString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*c = CipherString{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCipherString(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c CipherString) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// MarshalText lets envelopes live in text-based stores (yaml profiles,
// flag values) in their wire form.
func (c CipherString) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *CipherString) UnmarshalText(text []byte) error {
	parsed, err := ParseCipherString(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c CipherString) MarshalYAML() (interface{}, error) {
	return c.String(), nil
}

func (c *CipherString) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseCipherString(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Decrypt decrypts a symmetric envelope with the given key pair. For
// MAC-bearing types the MAC over IV||CT is verified in constant time
// before any plaintext is produced. The empty envelope decrypts to nil.
func (c CipherString) Decrypt(keys *EncMacKeys) ([]byte, error) {
	if !c.present {
		return nil, nil
	}
	switch c.Type {
	case AesCbc256HmacSha256:
		if err := c.verifyMac(keys.Mac()); err != nil {
			return nil, err
		}
		return c.decryptAesCbc(keys.Enc())
	case AesCbc256, AesCbc128HmacSha256:
		// Legacy types: not produced by any supported server version.
		return nil, fmt.Errorf("%w: type %d", ErrUnsupportedCipherType, c.Type)
	case Rsa2048OaepSha256, Rsa2048OaepSha1, Rsa2048OaepSha256Hmac, Rsa2048OaepSha1Hmac:
		return nil, ErrInvalidKeyType
	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnsupportedCipherType, c.Type)
	}
}

// DecryptWithPrivateKey decrypts an RSA envelope with a PKCS#8 DER
// private key. Used to unwrap organization keys.
func (c CipherString) DecryptWithPrivateKey(der []byte) ([]byte, error) {
	if !c.present {
		return nil, nil
	}
	switch c.Type {
	case Rsa2048OaepSha1:
		return c.decryptRsaOaep(der, sha1.New())
	case Rsa2048OaepSha256:
		return c.decryptRsaOaep(der, sha256.New())
	case Rsa2048OaepSha256Hmac, Rsa2048OaepSha1Hmac:
		return nil, fmt.Errorf("%w: type %d", ErrUnsupportedCipherType, c.Type)
	case AesCbc256, AesCbc128HmacSha256, AesCbc256HmacSha256:
		return nil, ErrInvalidKeyType
	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnsupportedCipherType, c.Type)
	}
}

// Encrypt produces an AesCbc256HmacSha256 envelope over content, the only
// type the clients write.
func Encrypt(content []byte, keys *EncMacKeys) (CipherString, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return CipherString{}, fmt.Errorf("generating iv: %w", err)
	}

	block, err := aes.NewCipher(keys.Enc())
	if err != nil {
		return CipherString{}, fmt.Errorf("initializing aes: %w", err)
	}
	padded := pkcs7Pad(content, aes.BlockSize)
	ct := make([]byte, len(padded))
	aescipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	h := hmac.New(sha256.New, keys.Mac())
	h.Write(iv)
	h.Write(ct)
	mac := h.Sum(nil)

	return CipherString{
		Type:    AesCbc256HmacSha256,
		IV:      iv,
		CT:      ct,
		MAC:     mac,
		present: true,
	}, nil
}

func (c CipherString) verifyMac(macKey []byte) error {
	h := hmac.New(sha256.New, macKey)
	h.Write(c.IV)
	h.Write(c.CT)
	if !hmac.Equal(h.Sum(nil), c.MAC) {
		return ErrMacMismatch
	}
	return nil
}

func (c CipherString) decryptAesCbc(encKey []byte) ([]byte, error) {
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("initializing aes: %w", err)
	}
	if len(c.IV) != aes.BlockSize {
		return nil, fmt.Errorf("%w: bad iv length %d", ErrMalformedEnvelope, len(c.IV))
	}
	if len(c.CT) == 0 || len(c.CT)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext length %d", ErrMalformedEnvelope, len(c.CT))
	}

	plain := make([]byte, len(c.CT))
	aescipher.NewCBCDecrypter(block, c.IV).CryptBlocks(plain, c.CT)
	return pkcs7Unpad(plain, aes.BlockSize)
}

func (c CipherString) decryptRsaOaep(der []byte, h hash.Hash) ([]byte, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("reading rsa private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not rsa")
	}
	plain, err := rsa.DecryptOAEP(h, nil, key, c.CT, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa decryption failed: %w", err)
	}
	return plain, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padded length", ErrMalformedEnvelope)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedEnvelope)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedEnvelope)
		}
	}
	return data[:len(data)-n], nil
}
