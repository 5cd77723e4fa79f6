package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// itemSource is the subset of connect.Client the resolver uses.
type itemSource interface {
	GetItemsByTitle(title string, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery string, vaultQuery string) (*onepassword.Item, error)
}

// OnePasswordResolver reads op:// references through the 1Password Connect API.
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: default vault for references without one
type OnePasswordResolver struct {
	client       itemSource
	defaultVault string
	logger       *slog.Logger

	// Cache to avoid repeated API calls
	mu    sync.RWMutex
	cache map[string]string
}

// NewOnePasswordResolver creates a new 1Password-backed resolver.
func NewOnePasswordResolver(cfg Config, logger *slog.Logger) (*OnePasswordResolver, error) {
	if cfg.Host == "" || cfg.Token == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host and token are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "netdiag")
	return newOnePasswordResolver(client, cfg.Vault, logger), nil
}

func newOnePasswordResolver(client itemSource, vault string, logger *slog.Logger) *OnePasswordResolver {
	return &OnePasswordResolver{
		client:       client,
		defaultVault: vault,
		logger:       logger.With("component", "secrets"),
		cache:        make(map[string]string),
	}
}

// Resolve returns the field value named by an op:// reference.
func (r *OnePasswordResolver) Resolve(ctx context.Context, ref string) (string, error) {
	// Check cache first
	r.mu.RLock()
	if v, ok := r.cache[ref]; ok {
		r.mu.RUnlock()
		return v, nil
	}
	r.mu.RUnlock()

	vault, title, field, err := r.parseRef(ref)
	if err != nil {
		return "", err
	}

	items, err := r.client.GetItemsByTitle(title, vault)
	if err != nil {
		if isNotFoundError(err) {
			return "", fmt.Errorf("item %q: %w", title, ErrNotFound)
		}
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("item %q: %w", title, ErrNotFound)
	}

	// Get the full item (including fields)
	item, err := r.client.GetItem(items[0].ID, vault)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}

	for _, f := range item.Fields {
		if f == nil {
			continue
		}
		if f.Label == field || f.ID == field {
			if f.Value == "" {
				break
			}
			r.mu.Lock()
			r.cache[ref] = f.Value
			r.mu.Unlock()

			r.logger.Debug("resolved secret reference", "item", title, "field", field)
			return f.Value, nil
		}
	}
	return "", fmt.Errorf("field %q of item %q: %w", field, title, ErrNotFound)
}

// parseRef splits op://vault/item/field (or op://item/field).
func (r *OnePasswordResolver) parseRef(ref string) (vault, item, field string, err error) {
	parts := strings.Split(strings.TrimPrefix(ref, "op://"), "/")
	switch len(parts) {
	case 3:
		vault, item, field = parts[0], parts[1], parts[2]
	case 2:
		vault, item, field = r.defaultVault, parts[0], parts[1]
	default:
		return "", "", "", fmt.Errorf("invalid 1Password reference %q: want op://vault/item/field", ref)
	}
	if vault == "" || item == "" || field == "" {
		return "", "", "", fmt.Errorf("invalid 1Password reference %q: empty vault, item, or field", ref)
	}
	return vault, item, field, nil
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
func isNotFoundError(err error) bool {
	// The 1Password SDK returns different error types, check the message
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "no items")
}
