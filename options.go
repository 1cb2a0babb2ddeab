package wden

import (
	"time"

	"github.com/luryus/wden/audit"
	"github.com/luryus/wden/persist"
)

// Options configures an App instance.
type Options struct {
	// EnableMemoryLock requests mlockall-style protection for the whole
	// process so key material cannot be swapped out. Falling back to
	// partial protection is not an error.
	EnableMemoryLock bool `json:"enable_memory_lock" yaml:"enable_memory_lock" mapstructure:"enable_memory_lock"`

	// Biometrics enables key escrow on lock, so the vault can be
	// reopened through the OS verifier instead of the master password.
	Biometrics bool `json:"biometrics" yaml:"biometrics" mapstructure:"biometrics"`

	// AutoLockAfter is the inactivity window after which the view layer
	// locks the vault. Zero disables auto-locking.
	AutoLockAfter time.Duration `json:"auto_lock_after" yaml:"auto_lock_after" mapstructure:"auto_lock_after"`

	// DecryptWorkers bounds the decrypt fan-out. Zero means one worker
	// per CPU.
	DecryptWorkers int `json:"decrypt_workers" yaml:"decrypt_workers" mapstructure:"decrypt_workers"`

	// Cache selects the sync cache backend. Nil disables offline
	// caching entirely.
	Cache *persist.StoreConfig `json:"cache,omitempty" yaml:"cache,omitempty" mapstructure:"cache"`

	// Audit configures security event logging. Nil or disabled means
	// events are dropped.
	Audit *audit.Config `json:"audit,omitempty" yaml:"audit,omitempty" mapstructure:"audit"`
}

// DefaultOptions returns the options used when a profile does not override
// them.
func DefaultOptions() Options {
	return Options{
		EnableMemoryLock: true,
		AutoLockAfter:    15 * time.Minute,
	}
}
