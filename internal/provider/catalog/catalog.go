// Package catalog loads the bank data provider definitions from YAML and
// applies per-provider environment overrides for secrets and endpoints.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	KindAggregator = "aggregator"

	defaultTimeout  = 30 * time.Second
	defaultTimezone = "UTC"
)

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type fileConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig is one entry of the providers file.
type ProviderConfig struct {
	ID          string   `yaml:"id"`
	Enabled     *bool    `yaml:"enabled"`
	Kind        string   `yaml:"kind"`
	BaseURL     string   `yaml:"base_url"`
	AuthURL     string   `yaml:"auth_url"`
	TokenURL    string   `yaml:"token_url"`
	ClientID    string   `yaml:"client_id"`
	RedirectURL string   `yaml:"redirect_url"`
	Scopes      []string `yaml:"scopes"`
	Timezone    string   `yaml:"timezone"`
	Timeout     string   `yaml:"timeout"`
}

// ProviderInfo is the resolved, non-secret view of a provider.
type ProviderInfo struct {
	ID               string   `json:"id"`
	Enabled          bool     `json:"enabled"`
	RuntimeEnabled   bool     `json:"runtime_enabled"`
	Kind             string   `json:"kind"`
	BaseURL          string   `json:"base_url"`
	AuthURL          string   `json:"auth_url"`
	TokenURL         string   `json:"token_url"`
	ClientID         string   `json:"client_id"`
	RedirectURL      string   `json:"redirect_url,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	Timezone         string   `json:"timezone"`
	ClientSecretEnv  string   `json:"client_secret_env"`
	WebhookSecretEnv string   `json:"webhook_secret_env"`
}

// Secrets are resolved from the environment only.
type Secrets struct {
	ClientSecret  string
	WebhookSecret string
}

type runtimeProvider struct {
	info    ProviderInfo
	secrets Secrets
	timeout time.Duration
}

var (
	stateMu      sync.RWMutex
	initialized  bool
	providerByID map[string]runtimeProvider
	providerList []string
)

// Init loads path (or the first existing default location when path is
// empty) and applies env overrides. A load error still leaves the built-in
// defaults usable.
func Init(path string) error {
	providers, err := loadProviders(path)

	stateMu.Lock()
	defer stateMu.Unlock()

	providerByID = make(map[string]runtimeProvider)
	providerList = providerList[:0]
	for _, p := range providers {
		providerByID[p.info.ID] = p
		providerList = append(providerList, p.info.ID)
	}
	initialized = true
	return err
}

func ensureInitialized() {
	stateMu.RLock()
	ok := initialized
	stateMu.RUnlock()
	if ok {
		return
	}
	_ = Init("")
}

// ResetForTest resets in-memory state so tests can force reload.
func ResetForTest() {
	stateMu.Lock()
	defer stateMu.Unlock()
	initialized = false
	providerByID = nil
	providerList = nil
}

// GetProviders returns all configured providers sorted by ID.
func GetProviders() []ProviderInfo {
	ensureInitialized()

	stateMu.RLock()
	defer stateMu.RUnlock()

	result := make([]ProviderInfo, 0, len(providerList))
	for _, id := range providerList {
		if entry, ok := providerByID[id]; ok {
			result = append(result, cloneInfo(entry.info))
		}
	}
	return result
}

// GetProvider returns provider metadata by ID.
func GetProvider(id string) (ProviderInfo, bool) {
	ensureInitialized()

	stateMu.RLock()
	defer stateMu.RUnlock()

	entry, ok := providerByID[normalizeProviderID(id)]
	if !ok {
		return ProviderInfo{}, false
	}
	return cloneInfo(entry.info), true
}

// GetRuntimeProvider returns the fields needed to build a client.
func GetRuntimeProvider(id string) (ProviderInfo, Secrets, time.Duration, bool) {
	ensureInitialized()

	stateMu.RLock()
	defer stateMu.RUnlock()

	entry, ok := providerByID[normalizeProviderID(id)]
	if !ok {
		return ProviderInfo{}, Secrets{}, 0, false
	}
	return cloneInfo(entry.info), entry.secrets, entry.timeout, true
}

// WebhookSecret returns the HMAC secret for a provider's webhooks, or "" when
// signature verification is not configured.
func WebhookSecret(id string) string {
	_, secrets, _, ok := GetRuntimeProvider(id)
	if !ok {
		return ""
	}
	return secrets.WebhookSecret
}

// Timezones maps provider ID to the timezone its dates are reported in.
func Timezones() map[string]string {
	out := make(map[string]string)
	for _, info := range GetProviders() {
		out[info.ID] = info.Timezone
	}
	return out
}

func cloneInfo(info ProviderInfo) ProviderInfo {
	info.Scopes = append([]string(nil), info.Scopes...)
	return info
}

func loadProviders(path string) ([]runtimeProvider, error) {
	cfgProviders, loadErr := loadConfigProviders(path)
	if len(cfgProviders) == 0 {
		cfgProviders = defaultProviders()
	}

	providers := make([]runtimeProvider, 0, len(cfgProviders))
	for _, cfg := range cfgProviders {
		entry, ok := normalizeConfig(cfg)
		if !ok {
			continue
		}
		providers = append(providers, entry)
	}

	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].info.ID < providers[j].info.ID
	})
	return providers, loadErr
}

func loadConfigProviders(explicit string) ([]ProviderConfig, error) {
	path, err := resolveConfigPath(explicit)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file %q: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse providers file %q: %w", path, err)
	}
	return cfg.Providers, nil
}

func resolveConfigPath(explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit == "" {
		explicit = strings.TrimSpace(os.Getenv("LEDGERSYNC_PROVIDERS_FILE"))
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/providers.yaml",
		"/etc/ledgersync/providers.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "ledgersync", "providers.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func normalizeConfig(cfg ProviderConfig) (runtimeProvider, bool) {
	id := normalizeProviderID(cfg.ID)
	if !providerIDRegexp.MatchString(id) {
		return runtimeProvider{}, false
	}

	kind := strings.TrimSpace(strings.ToLower(cfg.Kind))
	if kind == "" {
		kind = KindAggregator
	}
	if kind != KindAggregator {
		return runtimeProvider{}, false
	}

	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}

	baseURL := envOr(id, "BASE_URL", cfg.BaseURL)
	authURL := envOr(id, "AUTH_URL", cfg.AuthURL)
	tokenURL := envOr(id, "TOKEN_URL", cfg.TokenURL)
	clientID := envOr(id, "CLIENT_ID", cfg.ClientID)
	redirectURL := envOr(id, "REDIRECT_URL", cfg.RedirectURL)

	clientSecretEnv := providerEnvName(id, "CLIENT_SECRET")
	webhookSecretEnv := providerEnvName(id, "WEBHOOK_SECRET")

	timezone := strings.TrimSpace(cfg.Timezone)
	if timezone == "" {
		timezone = defaultTimezone
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		timezone = defaultTimezone
	}

	timeout := defaultTimeout
	if raw := strings.TrimSpace(envOr(id, "TIMEOUT", cfg.Timeout)); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			timeout = parsed
		}
	}

	info := ProviderInfo{
		ID:               id,
		Enabled:          enabled,
		RuntimeEnabled:   enabled && baseURL != "" && tokenURL != "" && clientID != "",
		Kind:             kind,
		BaseURL:          baseURL,
		AuthURL:          authURL,
		TokenURL:         tokenURL,
		ClientID:         clientID,
		RedirectURL:      redirectURL,
		Scopes:           normalizeScopes(cfg.Scopes),
		Timezone:         timezone,
		ClientSecretEnv:  clientSecretEnv,
		WebhookSecretEnv: webhookSecretEnv,
	}
	secrets := Secrets{
		ClientSecret:  strings.TrimSpace(os.Getenv(clientSecretEnv)),
		WebhookSecret: strings.TrimSpace(os.Getenv(webhookSecretEnv)),
	}
	return runtimeProvider{info: info, secrets: secrets, timeout: timeout}, true
}

func envOr(id, suffix, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(providerEnvName(id, suffix))); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

func normalizeScopes(scopes []string) []string {
	set := make(map[string]struct{}, len(scopes))
	result := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, exists := set[s]; exists {
			continue
		}
		set[s] = struct{}{}
		result = append(result, s)
	}
	return result
}

func normalizeProviderID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func providerEnvName(id, suffix string) string {
	upper := strings.ToUpper(id)
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_", " ", "_")
	upper = replacer.Replace(upper)
	return fmt.Sprintf("LEDGERSYNC_%s_%s", upper, suffix)
}

// defaultProviders declares a sandbox aggregator whose endpoints come
// entirely from the environment.
func defaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			ID:      "sandbox",
			Enabled: boolPtr(true),
			Kind:    KindAggregator,
			Scopes:  []string{"accounts", "transactions"},
		},
	}
}

func boolPtr(v bool) *bool {
	return &v
}
