// Package account resolves the merchant M-Pesa account the gateway charges
// against. Accounts live on the HostPay side; this package fetches and caches
// the list and picks the operator-selected account.
package account

import (
	"context"
	"time"

	"hostbridge/internal/domain"
	pkgerrors "hostbridge/pkg/errors"
	"hostbridge/pkg/logger"
)

// Lister fetches merchant accounts from the remote API.
type Lister interface {
	ListAccounts(ctx context.Context) ([]domain.Account, error)
}

// Cache stores the account list between remote fetches.
type Cache interface {
	Get(ctx context.Context, key string) ([]domain.Account, error)
	Set(ctx context.Context, key string, accounts []domain.Account, ttl time.Duration) error
}

const cacheKey = "hostpay:accounts"

// Source resolves the selected merchant account, remote-first with a TTL cache.
type Source struct {
	client     Lister
	cache      Cache
	selectedID string
	ttl        time.Duration
	logger     logger.Logger
}

func NewSource(client Lister, cache Cache, selectedID string, ttl time.Duration, log logger.Logger) *Source {
	return &Source{
		client:     client,
		cache:      cache,
		selectedID: selectedID,
		ttl:        ttl,
		logger:     log,
	}
}

// List returns all merchant accounts, from cache when fresh.
func (s *Source) List(ctx context.Context) ([]domain.Account, error) {
	if s.cache != nil {
		if accounts, err := s.cache.Get(ctx, cacheKey); err == nil && len(accounts) > 0 {
			return accounts, nil
		}
	}

	accounts, err := s.client.ListAccounts(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list mpesa accounts")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, accounts, s.ttl); err != nil {
			s.logger.Warn("Failed to cache account list", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	return accounts, nil
}

// Selected returns the operator-configured account. A missing selection or an
// unknown id is a configuration error, not a runtime one.
func (s *Source) Selected(ctx context.Context) (*domain.Account, error) {
	if s.selectedID == "" {
		return nil, pkgerrors.ErrAccountNotConfigured
	}

	accounts, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	for i := range accounts {
		if accounts[i].ID == s.selectedID {
			return &accounts[i], nil
		}
	}

	s.logger.Error("Selected mpesa account not in remote list", map[string]interface{}{
		"account_id": s.selectedID,
		"available":  len(accounts),
	})
	return nil, pkgerrors.ErrAccountNotFound
}
