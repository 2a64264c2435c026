package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Telegram TelegramConfig             `json:"telegram"`
	Logging  LoggingConfig              `json:"logging"`
	Storage  *StorageConfig             `json:"storage,omitempty"`
	Plugins  map[string]PluginConfigRaw `json:"plugins"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the KV persistence layer.
// Nil or driver "none" disables it; the relay destination is then memory-only.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./relaybot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos surface on reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type raw PluginConfigRaw
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t raw
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw(t)
	return nil
}

// IsOwner reports whether userID is listed in telegram.owner_user_ids.
func (c *Config) IsOwner(userID int64) bool {
	if c == nil {
		return false
	}
	for _, id := range c.Telegram.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
