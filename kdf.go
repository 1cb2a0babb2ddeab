package wden

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// KdfFunction identifies the account's key derivation function as reported
// by prelogin. The numeric values are the server's.
type KdfFunction int

const (
	KdfPbkdf2   KdfFunction = 0
	KdfArgon2id KdfFunction = 1
)

// KdfConfig carries the account-specific key stretching parameters. They
// are fetched from the server before any local derivation and cached per
// profile.
type KdfConfig struct {
	Function    KdfFunction `json:"kdf" yaml:"kdf" mapstructure:"kdf"`
	Iterations  uint32      `json:"kdfIterations" yaml:"iterations" mapstructure:"iterations"`
	MemoryMiB   uint32      `json:"kdfMemory" yaml:"memory_mib,omitempty" mapstructure:"memory_mib"`
	Parallelism uint32      `json:"kdfParallelism" yaml:"parallelism,omitempty" mapstructure:"parallelism"`
}

// Validate checks the parameter bounds for the configured function.
func (c KdfConfig) Validate() error {
	switch c.Function {
	case KdfPbkdf2:
		if c.Iterations == 0 {
			return fmt.Errorf("%w: pbkdf2 with zero iterations", ErrUnsupportedKdf)
		}
	case KdfArgon2id:
		if c.Iterations == 0 || c.MemoryMiB == 0 || c.Parallelism == 0 {
			return fmt.Errorf("%w: argon2id with zero cost parameter", ErrUnsupportedKdf)
		}
	default:
		return fmt.Errorf("%w: function %d", ErrUnsupportedKdf, c.Function)
	}
	return nil
}

// OwaspKdfConfig returns the OWASP-recommended Argon2id parameters, used
// for local at-rest encryption where the server does not dictate the KDF.
func OwaspKdfConfig() KdfConfig {
	return KdfConfig{Function: KdfArgon2id, Iterations: 2, MemoryMiB: 19, Parallelism: 1}
}

// DeriveMasterKey stretches the master password into the 256-bit master
// key using the account's KDF. The email is lowercased and used as the
// salt; for Argon2id the salt is additionally hashed with SHA-256 first,
// matching the server's clients. Deterministic for fixed inputs.
//
// The caller owns the returned key and must Destroy it.
func DeriveMasterKey(password []byte, email string, cfg KdfConfig) (*MasterKey, error) {
	return deriveMasterKey(password, strings.ToLower(email), cfg)
}

// deriveMasterKey is DeriveMasterKey without the email normalization, so
// non-email salts (API key encryption) can pass through untouched.
func deriveMasterKey(password []byte, salt string, cfg KdfConfig) (*MasterKey, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var raw []byte
	switch cfg.Function {
	case KdfPbkdf2:
		raw = pbkdf2.Key(password, []byte(salt), int(cfg.Iterations), masterKeyLen, sha256.New)
	case KdfArgon2id:
		hashed := sha256.Sum256([]byte(salt))
		raw = argon2.IDKey(password, hashed[:], cfg.Iterations, cfg.MemoryMiB*1024, uint8(cfg.Parallelism), masterKeyLen)
	}
	return newMasterKey(raw), nil
}

// MasterPasswordHash computes the login credential sent to the server in
// place of the password: one PBKDF2-HMAC-SHA256 round keyed with the
// master key over the password, base64-encoded.
func MasterPasswordHash(mk *MasterKey, password []byte) string {
	h := pbkdf2.Key(mk.Bytes(), password, 1, masterKeyLen, sha256.New)
	defer wipe(h)
	return base64.StdEncoding.EncodeToString(h)
}

// StretchMasterKey expands the master key into independent encryption and
// MAC sub-keys with HKDF-SHA256. The master key is used directly as the
// PRK (expand only, no extract) with the fixed info labels "enc" and
// "mac", as the envelope format requires.
//
// The caller owns the returned keys and must Destroy them.
func StretchMasterKey(mk *MasterKey) (*EncMacKeys, error) {
	buf := make([]byte, encMacKeysLen)
	defer wipe(buf)

	if _, err := hkdf.Expand(sha256.New, mk.Bytes(), []byte("enc")).Read(buf[:keyPartLen]); err != nil {
		return nil, fmt.Errorf("expanding enc key: %w", err)
	}
	if _, err := hkdf.Expand(sha256.New, mk.Bytes(), []byte("mac")).Read(buf[keyPartLen:]); err != nil {
		return nil, fmt.Errorf("expanding mac key: %w", err)
	}
	return EncMacKeysFromBytes(buf)
}

// DeriveEncMacKeys derives a full enc+mac key pair from a password and an
// arbitrary salt string. Used for local at-rest encryption (the API key);
// vault unlocking goes through DeriveMasterKey + StretchMasterKey instead.
func DeriveEncMacKeys(password []byte, salt string, cfg KdfConfig) (*EncMacKeys, error) {
	mk, err := deriveMasterKey(password, salt, cfg)
	if err != nil {
		return nil, err
	}
	defer mk.Destroy()
	return StretchMasterKey(mk)
}
