package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	wden "github.com/luryus/wden"
)

const (
	profileExtension = ".yaml"

	filePermissions = 0600
	dirPermissions  = 0700
)

// Store reads and writes profile files under a base directory, one yaml
// file per profile name.
type Store struct {
	baseDir string
}

// NewStore opens a profile store rooted at baseDir, creating it when
// missing.
func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("profile directory cannot be empty")
	}
	if err := os.MkdirAll(baseDir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating profile directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// DefaultDir returns the conventional profile directory under the user's
// config root.
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving config directory: %w", err)
	}
	return filepath.Join(dir, "wden", "profiles"), nil
}

// List returns the names of the stored profiles, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("reading profile directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), profileExtension) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), profileExtension))
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether a profile with the given name is on file.
func (s *Store) Exists(name string) (bool, error) {
	path, err := s.profilePath(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Load reads a profile, migrating older file versions in memory. The
// migrated form is written back so the next load sees the current
// version.
func (s *Store) Load(name string) (*Data, error) {
	path, err := s.profilePath(name)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("profile %q does not exist", name)
		}
		return nil, fmt.Errorf("reading profile %q: %w", name, err)
	}

	migrated, err := migrate(v)
	if err != nil {
		return nil, fmt.Errorf("migrating profile %q: %w", name, err)
	}

	var data Data
	if err := v.Unmarshal(&data, decodeHooks()); err != nil {
		return nil, fmt.Errorf("decoding profile %q: %w", name, err)
	}
	if err := data.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}

	if migrated {
		if err := s.Save(name, &data); err != nil {
			return nil, fmt.Errorf("writing migrated profile %q: %w", name, err)
		}
	}
	return &data, nil
}

// Save writes a profile atomically with owner-only permissions.
func (s *Store) Save(name string, data *Data) error {
	path, err := s.profilePath(name)
	if err != nil {
		return err
	}
	if err := data.Validate(); err != nil {
		return err
	}

	data.Version = CurrentVersion
	data.UpdatedAt = time.Now().UTC()

	encoded, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding profile %q: %w", name, err)
	}

	tempPath := path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePermissions)
	if err != nil {
		return fmt.Errorf("creating temp profile file: %w", err)
	}
	if _, err := file.Write(encoded); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("writing profile %q: %w", name, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("syncing profile %q: %w", name, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("closing profile %q: %w", name, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("replacing profile %q: %w", name, err)
	}
	return nil
}

// Delete removes a profile file.
func (s *Store) Delete(name string) error {
	path, err := s.profilePath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("profile %q does not exist", name)
		}
		return fmt.Errorf("deleting profile %q: %w", name, err)
	}
	return nil
}

func (s *Store) profilePath(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, name+profileExtension), nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("profile name cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("profile name too long: %d characters", len(name))
	}
	for _, pattern := range []string{"..", "/", "\\", " "} {
		if strings.Contains(name, pattern) {
			return fmt.Errorf("profile name contains invalid pattern %q", pattern)
		}
	}
	return nil
}

// decodeHooks covers the field types viper's defaults do not: RFC3339
// timestamps and text-encoded values like cipher envelopes.
func decodeHooks() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
}

// migrate rewrites older profile shapes into the current one inside the
// loaded viper tree. It reports whether anything changed.
func migrate(v *viper.Viper) (bool, error) {
	version := v.GetInt("version")
	if version > CurrentVersion {
		return false, fmt.Errorf("profile version %d is newer than supported version %d", version, CurrentVersion)
	}
	if version == CurrentVersion {
		return false, nil
	}

	// Version 0 kept a single server_url string; it maps onto the
	// self-hosted URL shape of the server configuration.
	if url := v.GetString("server_url"); url != "" && !v.IsSet("server") {
		v.Set("server.url", url)
	}
	if !v.IsSet("server") {
		v.Set("server.region", string(wden.CloudUS))
	}
	if !v.IsSet("options") {
		defaults := wden.DefaultOptions()
		v.Set("options.enable_memory_lock", defaults.EnableMemoryLock)
		v.Set("options.auto_lock_after", defaults.AutoLockAfter.String())
	}
	v.Set("version", CurrentVersion)
	return true, nil
}
