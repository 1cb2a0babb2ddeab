package persist

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/luryus/wden/internal/crypto"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700
)

// FileSystemStore implements Store on the local filesystem, one directory
// per profile, with optimistic concurrency control based on content hashes.
type FileSystemStore struct {
	basePath     string
	profileID    string
	profilePath  string // basePath/profileID/
	exportsDir   string // basePath/profileID/exports/
	tempDir      string // basePath/profileID/temp/
	profileMeta  string // basePath/profileID/profile.json
	syncCache    string // basePath/profileID/sync.cache    - encrypted sync payload
	sessionState string // basePath/profileID/session.state - encrypted session blob
}

// profileMarker is the bookkeeping file that marks a directory as a
// profile's data directory.
type profileMarker struct {
	Version    string    `json:"version"`
	ProfileID  string    `json:"profile_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// NewFileSystemStore initializes a filesystem store rooted at basePath for
// the given profile, creating the directory layout if needed.
func NewFileSystemStore(basePath string, profileID string) (*FileSystemStore, error) {
	if profileID == "" {
		profileID = "default"
	}

	if err := validateProfileID(profileID); err != nil {
		return nil, fmt.Errorf("invalid profile ID: %w", err)
	}

	profilePath := filepath.Join(basePath, profileID)

	fs := &FileSystemStore{
		basePath:     basePath,
		profileID:    profileID,
		profilePath:  profilePath,
		exportsDir:   filepath.Join(profilePath, "exports"),
		tempDir:      filepath.Join(profilePath, "temp"),
		profileMeta:  filepath.Join(profilePath, "profile.json"),
		syncCache:    filepath.Join(profilePath, "sync.cache"),
		sessionState: filepath.Join(profilePath, "session.state"),
	}

	dirs := []string{
		fs.profilePath,
		fs.exportsDir,
		fs.tempDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeProfileMarker(); err != nil {
		return nil, fmt.Errorf("failed to initialize profile marker: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig.
func NewFileSystemStoreFromConfig(config StoreConfig, profileID string) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath, profileID)
}

func (fs *FileSystemStore) initializeProfileMarker() error {
	if _, err := os.Stat(fs.profileMeta); os.IsNotExist(err) {
		marker := profileMarker{
			Version:    "1.0.0",
			ProfileID:  fs.profileID,
			CreatedAt:  time.Now(),
			LastAccess: time.Now(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(marker, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.profileMeta, data, FilePermissions)
	}
	return nil
}

// ListProfiles returns all profile IDs that have data under the base path.
func (fs *FileSystemStore) ListProfiles() ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	var profiles []string
	for _, entry := range entries {
		if entry.IsDir() {
			markerPath := filepath.Join(fs.basePath, entry.Name(), "profile.json")
			if _, err := os.Stat(markerPath); err == nil {
				profiles = append(profiles, entry.Name())
			}
		}
	}

	sort.Strings(profiles)
	return profiles, nil
}

// DeleteProfile removes all persisted data for a profile.
func (fs *FileSystemStore) DeleteProfile(profileID string) error {
	if err := validateProfileID(profileID); err != nil {
		return fmt.Errorf("invalid profile ID: %w", err)
	}

	if profileID == fs.profileID {
		return fmt.Errorf("cannot delete current profile")
	}

	profilePath := filepath.Join(fs.basePath, profileID)

	if _, err := os.Stat(profilePath); os.IsNotExist(err) {
		return fmt.Errorf("profile %s does not exist", profileID)
	} else if err != nil {
		return fmt.Errorf("failed to check profile directory: %w", err)
	}

	if err := os.RemoveAll(profilePath); err != nil {
		return fmt.Errorf("failed to delete profile data: %w", err)
	}

	return nil
}

// SaveSyncData writes the encrypted sync payload with optimistic
// concurrency control.
func (fs *FileSystemStore) SaveSyncData(encryptedSyncData []byte, expectedVersion string) (string, error) {
	if encryptedSyncData == nil {
		return "", fmt.Errorf("sync data cannot be nil")
	}
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.syncCache)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveSyncData",
			}
		}
	}

	if err := os.MkdirAll(fs.profilePath, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}

	if err := writeSecureFile(fs.syncCache, encryptedSyncData, FilePermissions); err != nil {
		return "", err
	}

	return calculateFileVersion(encryptedSyncData), nil
}

// LoadSyncData returns the versioned encrypted sync payload.
func (fs *FileSystemStore) LoadSyncData() (*VersionedData, error) {
	return fs.loadVersionedFile(fs.syncCache, "sync data")
}

func (fs *FileSystemStore) SyncDataExists() (bool, error) {
	return fileExists(fs.syncCache)
}

// SaveSessionState writes the encrypted session blob with optimistic
// concurrency control.
func (fs *FileSystemStore) SaveSessionState(encryptedState []byte, expectedVersion string) (string, error) {
	if encryptedState == nil {
		return "", fmt.Errorf("session state cannot be nil")
	}
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.sessionState)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveSessionState",
			}
		}
	}

	if err := os.MkdirAll(fs.profilePath, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}

	if err := writeSecureFile(fs.sessionState, encryptedState, FilePermissions); err != nil {
		return "", err
	}

	return calculateFileVersion(encryptedState), nil
}

// LoadSessionState returns the versioned encrypted session blob.
func (fs *FileSystemStore) LoadSessionState() (*VersionedData, error) {
	return fs.loadVersionedFile(fs.sessionState, "session state")
}

func (fs *FileSystemStore) SessionStateExists() (bool, error) {
	return fileExists(fs.sessionState)
}

func (fs *FileSystemStore) loadVersionedFile(path, what string) (*VersionedData, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

// Export operations

func (fs *FileSystemStore) SaveExport(exportPath string, container *ExportContainer) error {
	exportPath = strings.TrimSpace(exportPath)

	if exportPath == "" {
		return fmt.Errorf("export path cannot be empty or whitespace-only")
	}

	if strings.ContainsAny(exportPath, "\x00") {
		return fmt.Errorf("export path contains invalid characters")
	}

	exportPath = filepath.Clean(exportPath)

	// Bare filenames land in the profile's exports directory.
	if !filepath.IsAbs(exportPath) && !strings.Contains(exportPath, string(os.PathSeparator)) {
		exportPath = filepath.Join(fs.exportsDir, exportPath)
	}

	if !strings.HasSuffix(exportPath, ".export") {
		exportPath += ".export"
	}

	if stat, err := os.Stat(exportPath); err == nil {
		if stat.IsDir() {
			return fmt.Errorf("cannot create export file %s: path is an existing directory", exportPath)
		}
	}

	if err := fs.validateExportPath(exportPath); err != nil {
		return fmt.Errorf("invalid export path: %w", err)
	}

	exportDir := filepath.Dir(exportPath)
	if err := os.MkdirAll(exportDir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create export directory %s: %w", exportDir, err)
	}

	if container.ProfileID == "" {
		container.ProfileID = fs.profileID
	}

	containerData, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export container: %w", err)
	}

	if err = writeSecureFile(exportPath, containerData, FilePermissions); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}

	return nil
}

// validateExportPath performs additional validation on the export path.
func (fs *FileSystemStore) validateExportPath(exportPath string) error {
	if len(exportPath) > 4096 {
		return fmt.Errorf("path too long (max 4096 characters)")
	}

	cleanPath := filepath.Clean(exportPath)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains directory traversal")
	}

	if runtime.GOOS != "windows" {
		systemPaths := []string{"/etc/", "/bin/", "/sbin/", "/usr/bin/", "/usr/sbin/", "/boot/"}
		for _, sysPath := range systemPaths {
			if strings.HasPrefix(cleanPath, sysPath) {
				return fmt.Errorf("cannot create export in system directory")
			}
		}
	}

	if runtime.GOOS == "windows" {
		upperPath := strings.ToUpper(cleanPath)
		windowsSystemPaths := []string{"C:\\WINDOWS\\", "C:\\PROGRAM FILES\\", "C:\\PROGRAM FILES (X86)\\"}
		for _, sysPath := range windowsSystemPaths {
			if strings.HasPrefix(upperPath, sysPath) {
				return fmt.Errorf("cannot create export in system directory")
			}
		}
	}

	return nil
}

func (fs *FileSystemStore) RestoreExport(exportPath string) (*ExportContainer, error) {
	var fullPath string
	if filepath.IsAbs(exportPath) {
		fullPath = exportPath
	} else {
		fullPath = filepath.Join(fs.exportsDir, exportPath)
	}

	if !strings.HasSuffix(fullPath, ".export") {
		fullPath += ".export"
	}

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("export file %s does not exist", fullPath)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read export file: %w", err)
	}

	var container ExportContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse export file: %w", err)
	}

	if isValid, validationError := validateExportContainer(&container); !isValid {
		return nil, fmt.Errorf("invalid export file: %s", validationError)
	}

	return &container, nil
}

func (fs *FileSystemStore) DeleteExport(exportID string) error {
	if _, err := os.Stat(fs.exportsDir); os.IsNotExist(err) {
		return fmt.Errorf("exports directory does not exist")
	}

	entries, err := os.ReadDir(fs.exportsDir)
	if err != nil {
		return fmt.Errorf("failed to read exports directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := filepath.Join(fs.exportsDir, entry.Name())

		data, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}

		var container ExportContainer
		if err := json.Unmarshal(data, &container); err != nil {
			continue
		}

		if container.ExportID == exportID {
			if err := os.Remove(filePath); err != nil {
				return fmt.Errorf("failed to delete export file %s: %w", entry.Name(), err)
			}
			return nil
		}
	}

	return fmt.Errorf("export %s does not exist", exportID)
}

func (fs *FileSystemStore) ListExports() ([]ExportInfo, error) {
	if _, err := os.Stat(fs.exportsDir); os.IsNotExist(err) {
		return []ExportInfo{}, nil
	}

	entries, err := os.ReadDir(fs.exportsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read exports directory: %w", err)
	}

	var exports []ExportInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := filepath.Join(fs.exportsDir, entry.Name())

		data, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}

		var container ExportContainer
		if err := json.Unmarshal(data, &container); err != nil {
			continue
		}

		isValid, _ := validateExportContainer(&container)

		info, err := entry.Info()
		if err != nil {
			continue
		}

		exports = append(exports, ExportInfo{
			ExportID:         container.ExportID,
			ExportTimestamp:  container.ExportTimestamp,
			ClientVersion:    container.ClientVersion,
			ExportVersion:    container.ExportVersion,
			EncryptionMethod: container.EncryptionMethod,
			FileSize:         info.Size(),
			IsValid:          isValid,
			ProfileID:        container.ProfileID,
			Checksum:         container.Checksum,
			StorePath:        entry.Name(),
		})
	}

	return exports, nil
}

// validateExportContainer checks the container's required fields and
// verifies the payload checksum.
func validateExportContainer(container *ExportContainer) (bool, string) {
	if container.ExportID == "" {
		return false, "missing ExportID"
	}
	if container.EncryptedData == "" {
		return false, "missing EncryptedData"
	}
	if container.Checksum == "" {
		return false, "missing Checksum"
	}

	encryptedData, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return false, fmt.Sprintf("invalid base64 in EncryptedData: %v", err)
	}

	actualChecksum := crypto.CalculateChecksum(encryptedData)
	if actualChecksum != container.Checksum {
		return false, fmt.Sprintf("checksum mismatch - expected: %s, actual: %s",
			container.Checksum, actualChecksum)
	}

	return true, ""
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Health and utilities

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.profilePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	if markerData, err := os.ReadFile(fs.profileMeta); err == nil {
		var marker profileMarker
		if err := json.Unmarshal(markerData, &marker); err == nil {
			marker.LastAccess = time.Now()
			if updatedData, err := json.MarshalIndent(marker, "", "  "); err == nil {
				_ = writeSecureFile(fs.profileMeta, updatedData, FilePermissions)
			}
		}
	}
	return nil
}

// Helper methods for versioning support

func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // no file, empty version
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// MD5 of the content as a version identifier, matching S3 ETags for
	// single-part uploads.
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// writeSecureFile writes atomically: temp file in the same directory,
// fsync, chmod, rename.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
