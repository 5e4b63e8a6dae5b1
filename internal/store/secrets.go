package store

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	prov "github.com/omniprox/omniprox/internal/providers"
)

// envOverrides maps credential keys per provider to the environment
// variables that may override them, so tokens never need to live in the
// YAML store.
var envOverrides = map[string]map[string]string{
	"cloudflare": {
		"api_token":  "CLOUDFLARE_API_TOKEN",
		"account_id": "CLOUDFLARE_ACCOUNT_ID",
	},
	"gcp": {
		"project":          "GOOGLE_CLOUD_PROJECT",
		"credentials_file": "GOOGLE_APPLICATION_CREDENTIALS",
	},
	"azure": {
		"subscription_id": "AZURE_SUBSCRIPTION_ID",
		"tenant_id":       "AZURE_TENANT_ID",
		"client_id":       "AZURE_CLIENT_ID",
		"client_secret":   "AZURE_CLIENT_SECRET",
	},
	"alibaba": {
		"access_key_id":     "ALIBABA_CLOUD_ACCESS_KEY_ID",
		"access_key_secret": "ALIBABA_CLOUD_ACCESS_KEY_SECRET",
	},
}

// LoadSecretsEnv reads secrets.env next to the profile store (KEY=VALUE,
// # comments). A missing file is not an error.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = filepath.Join(filepath.Dir(DefaultPath()), "secrets.env")
	}
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, nil
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			out[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return out, nil
}

// mergeSecrets overlays secrets.env and environment variables onto a
// loaded profile. Environment wins over secrets.env, which wins over the
// stored value. secretsPath is the secrets.env beside the profile store.
func mergeSecrets(p *prov.Profile, secretsPath string) {
	overrides, ok := envOverrides[p.Provider]
	if !ok {
		return
	}
	secrets, _ := LoadSecretsEnv(secretsPath)
	if p.Credentials == nil {
		p.Credentials = map[string]string{}
	}
	for credKey, envKey := range overrides {
		if v, ok := secrets[envKey]; ok && v != "" {
			p.Credentials[credKey] = v
		}
		if v := os.Getenv(envKey); v != "" {
			p.Credentials[credKey] = v
		}
	}
}
