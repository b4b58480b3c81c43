package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Not-Mally-Raw/Citadel/internal/bridge"
	"github.com/Not-Mally-Raw/Citadel/internal/catalog"
	"github.com/Not-Mally-Raw/Citadel/internal/logger"
	"github.com/Not-Mally-Raw/Citadel/internal/vault"
)

// Error definitions for zero-tolerance error handling.
var (
	ErrVaultNotFound = errors.New("vault is not registered")
	ErrVaultExists   = errors.New("vault is already registered")
)

// Entry bundles the components serving one vault. Bridge is nil for vaults
// whose strategies all settle on the home chain.
type Entry struct {
	Ledger  *vault.Ledger
	Catalog *catalog.Catalog
	Bridge  *bridge.Coordinator
}

// Registry tracks the vaults managed by this process. The web layer and the
// metrics collector resolve vaults through it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a vault. Registering the same ID twice is an error.
func (r *Registry) Register(vaultID string, e *Entry) error {
	if vaultID == "" {
		return fmt.Errorf("%w: empty vault ID", ErrVaultNotFound)
	}
	if e == nil || e.Ledger == nil || e.Catalog == nil {
		return fmt.Errorf("registry entry for %s is missing components", vaultID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[vaultID]; exists {
		return fmt.Errorf("%w: %s", ErrVaultExists, vaultID)
	}
	r.entries[vaultID] = e

	log := logger.GetForComponent("registry")
	log.Info().
		Str("vault_id", vaultID).
		Bool("bridged", e.Bridge != nil).
		Msg("Vault registered")

	return nil
}

// Get resolves a vault by ID.
func (r *Registry) Get(vaultID string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[vaultID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, vaultID)
	}
	return e, nil
}

// List returns the registered vault IDs in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
