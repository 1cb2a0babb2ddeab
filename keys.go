package wden

import (
	"fmt"

	"github.com/awnumar/memguard"
)

const (
	masterKeyLen  = 32
	keyPartLen    = 32
	encMacKeysLen = 2 * keyPartLen
)

func init() {
	// Wipe all guarded memory on interrupt before the process dies.
	memguard.CatchInterrupt()
}

func wipe(b []byte) {
	memguard.WipeBytes(b)
}

// MasterKey is the 256-bit key derived directly from the master password.
// It lives in locked memory and exists only transiently: derive, stretch,
// destroy. It is never persisted.
type MasterKey struct {
	buf *memguard.LockedBuffer
}

// newMasterKey takes ownership of raw and wipes it.
func newMasterKey(raw []byte) *MasterKey {
	return &MasterKey{buf: memguard.NewBufferFromBytes(raw)}
}

// MasterKeyFromBytes copies b into locked memory. b is wiped.
func MasterKeyFromBytes(b []byte) (*MasterKey, error) {
	if len(b) != masterKeyLen {
		wipe(b)
		return nil, ErrInvalidKeyLength
	}
	return newMasterKey(b), nil
}

func (k *MasterKey) Bytes() []byte {
	return k.buf.Bytes()
}

// Destroy wipes and releases the key. Safe to call more than once.
func (k *MasterKey) Destroy() {
	if k != nil && k.buf != nil {
		k.buf.Destroy()
	}
}

// EncMacKeys is a 512-bit symmetric key pair: a 256-bit AES key and a
// 256-bit HMAC key, held together in locked memory. The user key, org
// keys and item keys are all this shape.
type EncMacKeys struct {
	buf *memguard.LockedBuffer
}

// EncMacKeysFromBytes copies a 64-byte enc||mac concatenation into locked
// memory. The input is left untouched; callers wipe their own copies.
func EncMacKeysFromBytes(b []byte) (*EncMacKeys, error) {
	if len(b) != encMacKeysLen {
		return nil, ErrInvalidKeyLength
	}
	buf := memguard.NewBuffer(encMacKeysLen)
	copy(buf.Bytes(), b)
	return &EncMacKeys{buf: buf}, nil
}

// Enc returns the encryption half. The slice aliases locked memory and is
// only valid until Destroy.
func (k *EncMacKeys) Enc() []byte {
	return k.buf.Bytes()[:keyPartLen]
}

// Mac returns the MAC half. Same aliasing rules as Enc.
func (k *EncMacKeys) Mac() []byte {
	return k.buf.Bytes()[keyPartLen:]
}

// Bytes returns the full enc||mac concatenation, aliasing locked memory.
func (k *EncMacKeys) Bytes() []byte {
	return k.buf.Bytes()
}

// Seal moves the key pair into an enclave for long-term holding and
// destroys this working copy.
func (k *EncMacKeys) Seal() *memguard.Enclave {
	return k.buf.Seal()
}

// Destroy wipes and releases both halves. Safe to call more than once.
func (k *EncMacKeys) Destroy() {
	if k != nil && k.buf != nil {
		k.buf.Destroy()
	}
}

// DecryptUserKey unwraps the server-delivered user key envelope with the
// stretched master key. A MAC mismatch here means the password was wrong;
// callers at the unlock boundary remap it accordingly.
func DecryptUserKey(envelope CipherString, stretched *EncMacKeys) (*EncMacKeys, error) {
	if envelope.IsEmpty() {
		return nil, fmt.Errorf("%w: empty user key envelope", ErrMalformedEnvelope)
	}
	raw, err := envelope.Decrypt(stretched)
	if err != nil {
		return nil, err
	}
	defer wipe(raw)
	if len(raw) != encMacKeysLen {
		return nil, ErrInvalidKeyLength
	}
	return EncMacKeysFromBytes(raw)
}

// DecryptItemKey unwraps a per-item key envelope with its parent key (the
// user key, or the org key for organization items).
func DecryptItemKey(envelope CipherString, parent *EncMacKeys) (*EncMacKeys, error) {
	raw, err := envelope.Decrypt(parent)
	if err != nil {
		return nil, err
	}
	defer wipe(raw)
	if len(raw) != encMacKeysLen {
		return nil, ErrInvalidKeyLength
	}
	return EncMacKeysFromBytes(raw)
}

// DecryptOrgKey unwraps an organization key envelope with the profile's
// RSA private key (PKCS#8 DER).
func DecryptOrgKey(privateKeyDER []byte, envelope CipherString) (*EncMacKeys, error) {
	raw, err := envelope.DecryptWithPrivateKey(privateKeyDER)
	if err != nil {
		return nil, err
	}
	defer wipe(raw)
	if len(raw) != encMacKeysLen {
		return nil, ErrInvalidKeyLength
	}
	return EncMacKeysFromBytes(raw)
}

// ResolveItemKeys picks the key pair that decrypts an item's fields.
// Resolution order: the item's own wrapped key if present, unwrapped with
// the org key for organization items or the user key otherwise; else the
// org key; else the user key directly.
//
// The returned owned flag is true when the keys are a fresh copy the
// caller must Destroy; false when they borrow userKeys or an org key
// owned by the lookup.
func ResolveItemKeys(item *VaultItem, userKeys *EncMacKeys, orgKey func(orgID string) *EncMacKeys) (keys *EncMacKeys, owned bool, err error) {
	base := userKeys
	if item.OrganizationID != "" {
		base = orgKey(item.OrganizationID)
		if base == nil {
			return nil, false, fmt.Errorf("no key for organization %s", item.OrganizationID)
		}
	}

	if item.Key == nil || item.Key.IsEmpty() {
		return base, false, nil
	}

	itemKeys, err := DecryptItemKey(*item.Key, base)
	if err != nil {
		return nil, false, fmt.Errorf("decrypting item key: %w", err)
	}
	return itemKeys, true, nil
}
