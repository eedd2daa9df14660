package protocol

import (
	"fmt"
	"strings"

	"github.com/turtacn/tabbridge/pkg/consts"
	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
)

// Config is the configuration document shared with the peer and persisted
// to disk. Every field is always present on the wire.
type Config struct {
	Version  int    `json:"version"`
	Port     int    `json:"port"`
	APIToken string `json:"apiToken"`
}

// ConfigPatch carries a partial config. Nil fields are left untouched by Merge.
type ConfigPatch struct {
	Version  *int    `json:"version,omitempty"`
	Port     *int    `json:"port,omitempty"`
	APIToken *string `json:"apiToken,omitempty"`
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() Config {
	return Config{
		Version:  consts.ConfigVersion,
		Port:     consts.DefaultPort,
		APIToken: consts.DefaultAPIToken,
	}
}

// Merge returns c with every non-nil field of p applied.
func (c Config) Merge(p *ConfigPatch) Config {
	if p == nil {
		return c
	}
	if p.Version != nil {
		c.Version = *p.Version
	}
	if p.Port != nil {
		c.Port = *p.Port
	}
	if p.APIToken != nil {
		c.APIToken = *p.APIToken
	}
	return c
}

// Patch returns a fully populated patch describing c.
func (c Config) Patch() *ConfigPatch {
	v, p, t := c.Version, c.Port, c.APIToken
	return &ConfigPatch{Version: &v, Port: &p, APIToken: &t}
}

// Validate checks the port range.
func (c Config) Validate() error {
	if c.Port < consts.MinPort || c.Port > consts.MaxPort {
		return pkgerrors.New(pkgerrors.ErrCodeValidation, "config.validate",
			fmt.Sprintf("port must be a number between %d and %d, got %d", consts.MinPort, consts.MaxPort, c.Port), nil)
	}
	return nil
}

// AuthEnabled reports whether requests must carry the API token.
func (c Config) AuthEnabled() bool {
	return strings.TrimSpace(c.APIToken) != ""
}

// Personal.AI order the ending
