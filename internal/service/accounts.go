package service

import (
	"context"
	"errors"

	"almans/internal/models"
	"almans/internal/store"
)

// ErrAccountUnavailable means the balance could not be fetched and none was cached
var ErrAccountUnavailable = errors.New("loyalty account unavailable")

// CachedAccounts reads loyalty balances through the offline cache so the last
// known balance can still be shown without a connection. Redemption at
// checkout reads the live source instead.
type CachedAccounts struct {
	source LoyaltySource
	cache  *OfflineCache
}

func NewCachedAccounts(source LoyaltySource, cache *OfflineCache) *CachedAccounts {
	return &CachedAccounts{source: source, cache: cache}
}

func (a *CachedAccounts) GetLoyaltyAccount(ctx context.Context, userID string) (*models.LoyaltyAccount, error) {
	var fetchErr error
	res, ok := FetchTyped(ctx, a.cache, "loyalty:"+userID, func(ctx context.Context) (models.LoyaltyAccount, error) {
		account, err := a.source.GetLoyaltyAccount(ctx, userID)
		if err != nil {
			fetchErr = err
			return models.LoyaltyAccount{}, err
		}
		return *account, nil
	}, 0)

	if errors.Is(fetchErr, store.ErrNotFound) {
		a.cache.Remove(ctx, "loyalty:"+userID)
		return nil, store.ErrNotFound
	}
	if !ok {
		if fetchErr != nil {
			return nil, fetchErr
		}
		return nil, ErrAccountUnavailable
	}
	return &res.Data, nil
}
