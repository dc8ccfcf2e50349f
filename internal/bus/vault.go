package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrVaultKeyNotFound is returned when a vault key has no entry.
var ErrVaultKeyNotFound = errors.New("vault key not found")

// vaultEntry is one stored secret.
type vaultEntry struct {
	Value     string    `json:"value"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Vault is the admin-only key-value store behind admin_vault_put/get.
// Values live in a single JSON file; access control is entirely the
// admin gate on the calling tools.
type Vault struct {
	mu      sync.Mutex
	path    string
	entries map[string]vaultEntry
	now     func() time.Time
}

// NewVault loads (or creates) the vault file.
func NewVault(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating vault dir: %w", err)
	}
	v := &Vault{
		path:    filepath.Join(dir, "vault.json"),
		entries: make(map[string]vaultEntry),
		now:     time.Now,
	}
	data, err := os.ReadFile(v.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading vault: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v.entries); err != nil {
			return nil, fmt.Errorf("decoding vault: %w", err)
		}
	}
	return v, nil
}

// Put stores a value under key.
func (v *Vault) Put(key, value, updatedBy string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[key] = vaultEntry{
		Value:     value,
		UpdatedBy: updatedBy,
		UpdatedAt: v.now().UTC(),
	}
	return v.flush()
}

// Get returns the value stored under key.
func (v *Vault) Get(key string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.entries[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrVaultKeyNotFound, key)
	}
	return entry.Value, nil
}

func (v *Vault) flush() error {
	data, err := json.MarshalIndent(v.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	return os.Rename(tmp, v.path)
}
