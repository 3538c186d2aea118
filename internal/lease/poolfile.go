package lease

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// poolFile is the on-disk pool definition:
//
//	[[credentials]]
//	name = "store-1"
//	url  = "postgres://..."
type poolFile struct {
	Credentials []CredentialSet `toml:"credentials" yaml:"credentials"`
}

// LoadPoolFile reads credential sets from a .toml, .yaml or .yml file.
func LoadPoolFile(path string) ([]CredentialSet, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("pooled mode requires a credential pool file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential pool file: %w", err)
	}

	var file poolFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, &file)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		return nil, fmt.Errorf("credential pool file %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse credential pool file %s: %w", path, err)
	}

	applyDefaults(file.Credentials)
	if err := validate(file.Credentials); err != nil {
		return nil, fmt.Errorf("credential pool file %s: %w", path, err)
	}
	return file.Credentials, nil
}

func applyDefaults(sets []CredentialSet) {
	for i := range sets {
		if sets[i].Name == "" {
			sets[i].Name = fmt.Sprintf("store-%d", i+1)
		}
	}
}

func validate(sets []CredentialSet) error {
	if len(sets) == 0 {
		return ErrEmptyPool
	}
	seen := make(map[string]struct{}, len(sets))
	for i, s := range sets {
		if s.URL == "" && s.Host == "" {
			return fmt.Errorf("credentials[%d] (%s): url or host is required", i, s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("credentials[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}
