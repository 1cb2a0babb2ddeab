package wden

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luryus/wden/internal/crypto"
	"github.com/luryus/wden/persist"
)

const (
	exportVersion          = "1"
	exportMethodPassphrase = "passphrase"
)

// ExportPayload is the plaintext content of a vault export.
type ExportPayload struct {
	ExportedAt time.Time       `json:"exported_at"`
	Email      string          `json:"email"`
	Items      []DecryptedItem `json:"items"`
}

// Exporter writes passphrase-sealed snapshots of the decrypted vault
// through a persist.Store and reads them back. Exports deliberately do not
// depend on the account's key hierarchy: a snapshot stays readable after a
// master password change or account removal.
type Exporter struct {
	store persist.Store
	log   zerolog.Logger
}

func NewExporter(store persist.Store, log zerolog.Logger) *Exporter {
	return &Exporter{store: store, log: log}
}

// Export seals the items under the passphrase and stores the container at
// name. Returns the generated export ID.
func (e *Exporter) Export(name, email string, items []DecryptedItem, passphrase []byte) (string, error) {
	if len(passphrase) == 0 {
		return "", fmt.Errorf("export passphrase cannot be empty")
	}

	payload := ExportPayload{
		ExportedAt: time.Now().UTC(),
		Email:      email,
		Items:      items,
	}

	plain, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding export payload: %w", err)
	}
	defer wipe(plain)

	sealed, err := crypto.SealWithPassphrase(plain, passphrase)
	if err != nil {
		return "", fmt.Errorf("sealing export: %w", err)
	}

	container := &persist.ExportContainer{
		ExportID:         uuid.NewString(),
		ExportTimestamp:  payload.ExportedAt,
		ClientVersion:    ClientVersion,
		ExportVersion:    exportVersion,
		EncryptionMethod: exportMethodPassphrase,
		Checksum:         crypto.CalculateChecksum(sealed),
		EncryptedData:    base64.StdEncoding.EncodeToString(sealed),
	}

	if err := e.store.SaveExport(name, container); err != nil {
		return "", err
	}

	e.log.Info().Str("export", container.ExportID).Int("items", len(items)).Msg("vault export written")
	return container.ExportID, nil
}

// Import reads the container at name and opens it with the passphrase. A
// wrong passphrase fails authentication on the sealed blob.
func (e *Exporter) Import(name string, passphrase []byte) (*ExportPayload, error) {
	container, err := e.store.RestoreExport(name)
	if err != nil {
		return nil, err
	}

	if container.EncryptionMethod != exportMethodPassphrase {
		return nil, fmt.Errorf("unsupported export encryption method: %s", container.EncryptionMethod)
	}

	sealed, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("decoding export payload: %w", err)
	}

	plain, err := crypto.OpenWithPassphrase(sealed, passphrase)
	if err != nil {
		return nil, fmt.Errorf("opening export: %w", err)
	}
	defer wipe(plain)

	var payload ExportPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("decoding export payload: %w", err)
	}
	return &payload, nil
}

// List returns metadata for the stored exports.
func (e *Exporter) List() ([]persist.ExportInfo, error) {
	return e.store.ListExports()
}

// Delete removes an export by ID.
func (e *Exporter) Delete(exportID string) error {
	return e.store.DeleteExport(exportID)
}
