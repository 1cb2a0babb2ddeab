package persist

import (
	"fmt"
	"time"
)

// VersionedData carries a payload together with its version identifier,
// used for optimistic concurrency control across store backends.
type VersionedData struct {
	Data      []byte
	Version   string // ETag or content hash
	Timestamp time.Time
}

// Store persists per-profile client state between runs. Everything written
// through this interface is already encrypted by the vault layer: the sync
// cache is the server payload sealed under the vault key, the session state
// is the token blob sealed under keys derived from the master password (it
// must open before the vault key exists), and exports are passphrase-sealed
// containers. The store never sees plaintext.
type Store interface {

	// Profiles

	// ListProfiles returns the IDs of every profile with data in this
	// store's base location.
	ListProfiles() ([]string, error)

	// DeleteProfile removes all persisted data for a profile. The
	// profile currently bound to the store cannot be deleted.
	DeleteProfile(profileID string) error

	// Sync cache

	// SaveSyncData writes the encrypted sync payload. When
	// expectedVersion is non-empty the write only succeeds if the
	// stored version still matches; a mismatch returns ConcurrencyError.
	SaveSyncData(encryptedSyncData []byte, expectedVersion string) (newVersion string, err error)

	LoadSyncData() (*VersionedData, error)

	SyncDataExists() (bool, error)

	// Session state

	// SaveSessionState writes the encrypted session blob (tokens and
	// cached KDF parameters) with the same versioning contract as
	// SaveSyncData.
	SaveSessionState(encryptedState []byte, expectedVersion string) (newVersion string, err error)

	LoadSessionState() (*VersionedData, error)

	SessionStateExists() (bool, error)

	// Exports

	// SaveExport stores a passphrase-sealed vault export container at
	// the given path or name.
	SaveExport(exportPath string, container *ExportContainer) error

	// RestoreExport reads an export container back. The caller owns
	// unsealing the payload.
	RestoreExport(exportPath string) (*ExportContainer, error)

	// ListExports returns metadata for every export held by the store,
	// including ones that fail checksum validation.
	ListExports() ([]ExportInfo, error)

	// DeleteExport removes the export with the given ID.
	DeleteExport(exportID string) error

	// Health and utilities

	Ping() error // connectivity test for remote backends

	Close() error

	GetType() string
}

// ExportContainer is the outer format of a vault export: envelope metadata
// in the clear, payload sealed under a user passphrase.
type ExportContainer struct {
	// ExportID uniquely identifies this export.
	ExportID string `json:"export_id"`

	// ExportTimestamp is when the export was created.
	ExportTimestamp time.Time `json:"export_timestamp"`

	// ClientVersion is the client release that produced the export.
	ClientVersion string `json:"client_version"`

	// ExportVersion is the container format version.
	ExportVersion string `json:"export_version"`

	// Checksum is the SHA-256 hash of the decoded EncryptedData, for
	// integrity validation without unsealing.
	Checksum string `json:"checksum"`

	// EncryptionMethod names the sealing scheme, e.g. "passphrase".
	EncryptionMethod string `json:"encryption_method"`

	// EncryptedData is the sealed vault payload, base64 encoded.
	EncryptedData string `json:"encrypted_data"`

	// ProfileID identifies the profile the export was taken from.
	ProfileID string `json:"profile_id"`
}

// ExportInfo is the metadata of a stored export, available without
// unsealing it.
type ExportInfo struct {
	ExportID         string    `json:"export_id"`
	ExportTimestamp  time.Time `json:"export_timestamp"`
	ClientVersion    string    `json:"client_version"`
	ExportVersion    string    `json:"export_version"`
	EncryptionMethod string    `json:"encryption_method"`
	FileSize         int64     `json:"file_size"`

	// IsValid is the checksum validation result.
	IsValid bool `json:"is_valid"`

	ProfileID string `json:"profile_id"`

	Checksum string `json:"checksum"`

	// StorePath is the backend-specific path or object key.
	StorePath string `json:"store_path"`
}

// StoreConfig selects and configures a storage backend.
//
// Example:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "~/.cache/wden"},
//	}
type StoreConfig struct {
	// Type selects the backend; one of the StoreType constants.
	Type StoreType `json:"type" yaml:"type" mapstructure:"type"`

	// Config holds backend-specific settings. For the filesystem
	// backend this is "base_path"; for S3 it carries endpoint, bucket
	// and credential fields.
	Config map[string]interface{} `json:"config" yaml:"config" mapstructure:"config"`
}

// StoreType represents the available storage backends.
type StoreType string

const (
	// StoreTypeFileSystem stores profile data under a local directory.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 stores profile data in an S3-compatible bucket, for
	// sharing a sync cache and exports across machines.
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError reports an optimistic concurrency conflict.
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
