package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when a credentials file is readable
// by group or others.
var ErrInsecurePermissions = stderrors.New("credentials file has insecure permissions")

// Credentials holds oracle API keys loaded from credentials.toml. A
// [provider] section wins over the generic [analyzer] section.
type Credentials struct {
	generic   string
	providers map[string]string
}

// CredentialPaths returns the credential file locations in priority order.
func CredentialPaths() []string {
	paths := []string{"credentials.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "a2a", "credentials.toml"),
			filepath.Join(home, ".a2a", "credentials.toml"),
		)
	}
	return paths
}

// LoadCredentials loads the first credentials file found on the standard
// paths. No file is not an error: it returns nil credentials and "".
func LoadCredentials() (*Credentials, string, error) {
	for _, path := range CredentialPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		creds, err := LoadCredentialsFile(path)
		if err != nil {
			return nil, path, err
		}
		return creds, path, nil
	}
	return nil, "", nil
}

// LoadCredentialsFile loads one credentials file. On Unix the file must
// not be accessible to group or others.
func LoadCredentialsFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400 or 0600)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var raw map[string]map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	creds := &Credentials{providers: make(map[string]string)}
	for section, values := range raw {
		key, _ := values["api_key"].(string)
		if key == "" {
			continue
		}
		if section == "analyzer" {
			creds.generic = key
			continue
		}
		creds.providers[section] = key
	}
	return creds, nil
}

// APIKey returns the key for provider: its own section, then the
// [analyzer] section, then the provider's environment variable.
func (c *Credentials) APIKey(provider string) string {
	if c != nil {
		if key := c.providers[provider]; key != "" {
			return key
		}
		if key := c.generic; key != "" {
			return key
		}
	}
	return os.Getenv(providerEnvVar(provider))
}

func providerEnvVar(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	default:
		return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	}
}

// ResolveAPIKey picks the key for the configured provider: analyzer.api_key
// (already overridden by A2A_ANALYZER_API_KEY), then the credentials
// file, then the provider's environment variable.
func ResolveAPIKey(cfg AnalyzerConfig) (string, error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	creds, _, err := LoadCredentials()
	if err != nil {
		return "", err
	}
	return creds.APIKey(cfg.Provider), nil
}
