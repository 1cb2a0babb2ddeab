package wden

import (
	"encoding/json"
	"fmt"
)

// EncryptedAPIKey is a personal API key encrypted for at-rest storage in
// the profile file, under keys derived from the profile name, email and
// master password.
type EncryptedAPIKey struct {
	Key CipherString `json:"encrypted_key" yaml:"encrypted_key" mapstructure:"encrypted_key"`
	Kdf KdfConfig    `json:"kdf_params" yaml:"kdf_params" mapstructure:"kdf_params"`
}

func apiKeySalt(profile, email string) string {
	return fmt.Sprintf("APIKEYENCRYPTION:%s:%s", profile, email)
}

// EncryptAPIKey seals an API key for storage. The derivation salt binds
// the ciphertext to the profile and email, so a blob copied between
// profiles will not decrypt.
func EncryptAPIKey(key *APIKey, profile, email string, password []byte) (*EncryptedAPIKey, error) {
	serialized, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("serializing api key: %w", err)
	}
	defer wipe(serialized)

	cfg := OwaspKdfConfig()
	keys, err := DeriveEncMacKeys(password, apiKeySalt(profile, email), cfg)
	if err != nil {
		return nil, err
	}
	defer keys.Destroy()

	envelope, err := Encrypt(serialized, keys)
	if err != nil {
		return nil, err
	}
	return &EncryptedAPIKey{Key: envelope, Kdf: cfg}, nil
}

// DecryptAPIKey opens a stored API key with the master password. A MAC
// mismatch means the password was wrong.
func DecryptAPIKey(enc *EncryptedAPIKey, profile, email string, password []byte) (*APIKey, error) {
	keys, err := DeriveEncMacKeys(password, apiKeySalt(profile, email), enc.Kdf)
	if err != nil {
		return nil, err
	}
	defer keys.Destroy()

	serialized, err := enc.Key.Decrypt(keys)
	if err != nil {
		return nil, err
	}
	defer wipe(serialized)

	var key APIKey
	if err := json.Unmarshal(serialized, &key); err != nil {
		return nil, fmt.Errorf("parsing api key: %w", err)
	}
	return &key, nil
}
