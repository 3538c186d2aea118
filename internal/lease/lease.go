// Package lease issues per-generation backing-store credentials, either from
// a fixed pool of pre-provisioned sets or on demand from an access token.
package lease

import (
	"errors"
	"fmt"
	"strconv"
)

// Mode selects the credential source. It is fixed at startup.
type Mode string

const (
	ModePooled   Mode = "pooled"
	ModeOnDemand Mode = "on_demand"
)

var (
	ErrPoolExhausted = errors.New("credential pool exhausted")
	ErrEmptyPool     = errors.New("credential pool is empty")
	ErrMissingToken  = errors.New("on-demand mode requires an access token")
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePooled, ModeOnDemand:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown credential mode %q (want %q or %q)", s, ModePooled, ModeOnDemand)
}

// CredentialSet is one pre-provisioned backing store.
type CredentialSet struct {
	Name     string `toml:"name" yaml:"name"`
	URL      string `toml:"url" yaml:"url"`
	Host     string `toml:"host" yaml:"host"`
	Port     int    `toml:"port" yaml:"port"`
	Database string `toml:"database" yaml:"database"`
	User     string `toml:"user" yaml:"user"`
	Password string `toml:"password" yaml:"password"`
}

// Credentials is what a generation receives from Acquire. Exactly one of Set
// or AccessToken is populated, depending on the mode.
type Credentials struct {
	Mode Mode
	// Index is the 1-based pool index, zero in on-demand mode.
	Index       int
	Set         *CredentialSet
	AccessToken string
}

// Env renders the credentials as container environment variables.
func (c Credentials) Env() map[string]string {
	env := map[string]string{"BACKING_STORE_MODE": string(c.Mode)}
	if c.AccessToken != "" {
		env["BACKING_STORE_ACCESS_TOKEN"] = c.AccessToken
	}
	if s := c.Set; s != nil {
		env["BACKING_STORE_NAME"] = s.Name
		setIf(env, "BACKING_STORE_URL", s.URL)
		setIf(env, "BACKING_STORE_HOST", s.Host)
		if s.Port > 0 {
			env["BACKING_STORE_PORT"] = strconv.Itoa(s.Port)
		}
		setIf(env, "BACKING_STORE_DATABASE", s.Database)
		setIf(env, "BACKING_STORE_USER", s.User)
		setIf(env, "BACKING_STORE_PASSWORD", s.Password)
	}
	return env
}

func setIf(env map[string]string, key, value string) {
	if value != "" {
		env[key] = value
	}
}

// Info describes the credential source for the concurrency query.
type Info struct {
	Mode      Mode `json:"mode"`
	Available int  `json:"available"`
	Total     int  `json:"total"`
	// Bounded is false when the source can issue any number of leases.
	Bounded bool `json:"-"`
}

// Source issues and reclaims credentials. Release must be idempotent.
type Source interface {
	Acquire(generationID int64) (Credentials, error)
	Release(generationID int64)
	Info() Info
}

// Config selects and parameterizes the credential source.
type Config struct {
	Mode        Mode
	PoolFile    string
	AccessToken string
}

// New resolves the configured mode into a concrete Source. Call sites never
// branch on mode after this point.
func New(cfg Config) (Source, error) {
	switch cfg.Mode {
	case ModePooled:
		sets, err := LoadPoolFile(cfg.PoolFile)
		if err != nil {
			return nil, err
		}
		return NewPooled(sets)
	case ModeOnDemand:
		return NewOnDemand(cfg.AccessToken)
	}
	_, err := ParseMode(string(cfg.Mode))
	return nil, err
}
