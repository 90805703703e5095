// Package secrets resolves credentials from Vault into a process-wide
// cache. Config files carry Vault paths, never secret material; the cache
// is populated at boot and consulted on every Get.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"

	vault "github.com/hashicorp/vault/api"
	"gopkg.in/yaml.v3"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
)

// kvMount is the KV v2 mount all service secrets live under.
const kvMount = "secret"

// Cache is a read-through secret cache. Paths are loaded from Vault at most
// once per process; lookups after that are lock-and-map.
type Cache struct {
	mu     sync.RWMutex
	values map[string]map[string]string

	client *vault.Client
	logger *observability.Logger
}

// New builds a Vault-backed cache and authenticates immediately. AppRole
// credentials (VAULT_ROLE_ID / VAULT_SECRET_ID) are preferred; VAULT_TOKEN
// is the fallback for dev setups.
func New(ctx context.Context, cfg config.VaultConfig, logger *observability.Logger) (*Cache, error) {
	vcfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("secrets: create vault client: %w", err)
	}

	c := &Cache{
		values: make(map[string]map[string]string),
		client: client,
		logger: logger.Component("secrets"),
	}
	if err := c.login(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewStatic builds a cache from fixed values, for tests and for deployments
// running without Vault. Paths absent from values behave as unknown.
func NewStatic(values map[string]map[string]string) *Cache {
	copied := make(map[string]map[string]string, len(values))
	for path, fields := range values {
		fc := make(map[string]string, len(fields))
		for k, v := range fields {
			fc[k] = v
		}
		copied[path] = fc
	}
	return &Cache{values: copied, logger: observability.NewTestLogger(nil)}
}

// LoadFile builds a static cache from a YAML file mapping secret paths to
// their fields, the fallback for deployments running without Vault. The
// file must be readable by its owner only.
func LoadFile(path string) (*Cache, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: stat %s: %w", path, err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("secrets: %s is mode %04o; secret files must be 0600", path, perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", path, err)
	}
	var values map[string]map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("secrets: parse %s: %w", path, err)
	}
	return NewStatic(values), nil
}

func (c *Cache) login(ctx context.Context) error {
	roleID := os.Getenv("VAULT_ROLE_ID")
	if roleID != "" {
		resp, err := c.client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]any{
			"role_id":   roleID,
			"secret_id": os.Getenv("VAULT_SECRET_ID"),
		})
		if err != nil {
			return fmt.Errorf("secrets: approle login: %w", err)
		}
		if resp == nil || resp.Auth == nil || resp.Auth.ClientToken == "" {
			return errors.New("secrets: approle login returned no token")
		}
		c.client.SetToken(resp.Auth.ClientToken)
		c.logger.Info("authenticated to vault", "method", "approle")
		return nil
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		c.client.SetToken(token)
		c.logger.Info("authenticated to vault", "method", "token")
		return nil
	}
	return errors.New("secrets: no vault credentials: set VAULT_ROLE_ID/VAULT_SECRET_ID or VAULT_TOKEN")
}

// Preload resolves each path once so boot fails fast on bad credentials or
// an incomplete secrets file instead of on the first chat request.
func (c *Cache) Preload(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		c.mu.RLock()
		_, ok := c.values[p]
		c.mu.RUnlock()
		if ok {
			continue
		}
		if _, err := c.load(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Get returns one field of one secret path. Unknown paths and missing
// fields both yield a *NotFoundError whose Available list names what does
// exist; a Vault 403 yields a *PermissionError that says nothing about
// whether the path exists.
func (c *Cache) Get(ctx context.Context, path, field string) (string, error) {
	c.mu.RLock()
	fields, ok := c.values[path]
	c.mu.RUnlock()

	if !ok {
		var err error
		fields, err = c.load(ctx, path)
		if err != nil {
			return "", err
		}
	}

	v, ok := fields[field]
	if !ok {
		return "", &NotFoundError{Path: path, Field: field, Available: sortedKeys(fields)}
	}
	return v, nil
}

// Paths lists every cached secret path.
func (c *Cache) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.values)
}

// load fetches a path from Vault and installs it in the cache. Static
// caches have no client, so a miss there is terminal.
func (c *Cache) load(ctx context.Context, path string) (map[string]string, error) {
	if c.client == nil {
		return nil, &NotFoundError{Path: path, Available: c.Paths()}
	}

	secret, err := c.client.KVv2(kvMount).Get(ctx, path)
	if err != nil {
		var respErr *vault.ResponseError
		switch {
		case errors.As(err, &respErr) && respErr.StatusCode == http.StatusForbidden:
			return nil, &PermissionError{Path: path}
		case errors.Is(err, vault.ErrSecretNotFound):
			return nil, &NotFoundError{Path: path, Available: c.Paths()}
		default:
			return nil, fmt.Errorf("secrets: read %s: %w", path, err)
		}
	}

	fields := make(map[string]string, len(secret.Data))
	for k, v := range secret.Data {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}

	c.mu.Lock()
	c.values[path] = fields
	c.mu.Unlock()
	c.logger.Debug("cached secret path", "path", path, "fields", len(fields))
	return fields, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
