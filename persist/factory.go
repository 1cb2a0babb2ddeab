package persist

import (
	"fmt"
	"strings"
)

// NewStore creates the storage backend selected by config, bound to one
// profile.
func NewStore(config StoreConfig, profileID string) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath, profileID)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, profileID)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateProfileID rejects IDs that could escape the profile directory or
// object prefix.
func validateProfileID(profileID string) error {
	if profileID == "" {
		return fmt.Errorf("profile ID cannot be empty")
	}

	if strings.Contains(profileID, "..") ||
		strings.Contains(profileID, "/") ||
		strings.Contains(profileID, "\\") ||
		strings.Contains(profileID, " ") {
		return fmt.Errorf("profile ID contains invalid characters")
	}

	if len(profileID) > 100 {
		return fmt.Errorf("profile ID too long (max 100 characters)")
	}

	return nil
}
