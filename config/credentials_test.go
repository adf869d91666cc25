package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCreds(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	require.NoError(t, os.Chmod(path, mode))
	return path
}

func TestCredentialPaths(t *testing.T) {
	paths := CredentialPaths()
	require.NotEmpty(t, paths)
	assert.Equal(t, "credentials.toml", paths[0])
}

func TestLoadCredentialsFile(t *testing.T) {
	path := writeCreds(t, `
[anthropic]
api_key = "sk-ant-test"

[openai]
api_key = "sk-openai-test"
`, 0o400)

	creds, err := LoadCredentialsFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", creds.APIKey("anthropic"))
	assert.Equal(t, "sk-openai-test", creds.APIKey("openai"))
}

func TestProviderSectionBeatsGeneric(t *testing.T) {
	path := writeCreds(t, `
[analyzer]
api_key = "generic"

[anthropic]
api_key = "specific"
`, 0o600)

	creds, err := LoadCredentialsFile(path)
	require.NoError(t, err)
	assert.Equal(t, "specific", creds.APIKey("anthropic"))
	assert.Equal(t, "generic", creds.APIKey("google"))
}

func TestInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission check not applicable on Windows")
	}
	path := writeCreds(t, "[analyzer]\napi_key = \"secret\"\n", 0o644)

	_, err := LoadCredentialsFile(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsecurePermissions))
}

func TestAPIKeyFallsBackToEnv(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "from-env")

	var creds *Credentials
	assert.Equal(t, "from-env", creds.APIKey("google"))
	assert.Equal(t, "MY_PROVIDER_API_KEY", providerEnvVar("my-provider"))
}

func TestResolveAPIKeyPrefersConfig(t *testing.T) {
	key, err := ResolveAPIKey(AnalyzerConfig{Provider: "openai", APIKey: "configured"})
	require.NoError(t, err)
	assert.Equal(t, "configured", key)
}

func TestResolveAPIKeyReadsCredentialsFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "credentials.toml"),
		[]byte("[anthropic]\napi_key = \"from-file\"\n"), 0o600))

	key, err := ResolveAPIKey(AnalyzerConfig{Provider: "anthropic"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", key)
}
