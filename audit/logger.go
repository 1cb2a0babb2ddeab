package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config defines audit logging configuration
type Config struct {
	Enabled   bool                   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ProfileID string                 `json:"profile_id" yaml:"profile_id" mapstructure:"profile_id"`
	Type      ConfigType             `json:"type" yaml:"type" mapstructure:"type"`          // "file", "syslog"
	Options   map[string]interface{} `json:"options" yaml:"options" mapstructure:"options"` // Provider-specific options
	LogLevel  string                 `json:"log_level,omitempty" yaml:"log_level,omitempty" mapstructure:"log_level"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Security event actions recorded by the client.
const (
	ActionLogin          = "login"
	ActionLoginChallenge = "login_challenge"
	ActionTokenRefresh   = "token_refresh"
	ActionUnlock         = "vault_unlock"
	ActionLock           = "vault_lock"
	ActionLogout         = "logout"
	ActionEscrowStore    = "escrow_store"
	ActionEscrowRetrieve = "escrow_retrieve"
	ActionEscrowDelete   = "escrow_delete"
	ActionSync           = "vault_sync"
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	ProfileID string                 `json:"profile_id"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Source    string                 `json:"source,omitempty"` // IP, hostname, etc.
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	ProfileID string
	Since     *time.Time
	Until     *time.Time
	Action    string
	Success   *bool // nil = all, true = only success, false = only failures
	Limit     int
	Offset    int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
