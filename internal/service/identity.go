package service

import (
	"context"
	"errors"
	"sync"

	"almans/internal/kvstore"
	"almans/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const guestIDKey = "guest_id"

// IdentitySource exposes the signed-in user, if any. The auth provider
// itself lives outside this module.
type IdentitySource interface {
	CurrentUserID() string
}

// Session holds the identity reported by the auth provider
type Session struct {
	mu     sync.RWMutex
	userID string
	email  string
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) SignIn(userID, email string) {
	s.mu.Lock()
	s.userID, s.email = userID, email
	s.mu.Unlock()
}

func (s *Session) SignOut() {
	s.mu.Lock()
	s.userID, s.email = "", ""
	s.mu.Unlock()
}

func (s *Session) CurrentUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) Email() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.email
}

// GuestIDs hands out this device's guest id, generating and persisting it on
// first use so it survives restarts.
type GuestIDs struct {
	mu     sync.Mutex
	store  kvstore.Store
	logger *zap.Logger
	id     string
}

func NewGuestIDs(store kvstore.Store, logger *zap.Logger) *GuestIDs {
	return &GuestIDs{store: store, logger: logger}
}

// GuestID returns the persisted id, creating one if none exists. When storage
// is unavailable the id lives only for this process.
func (g *GuestIDs) GuestID(ctx context.Context) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.id != "" {
		return g.id
	}

	if id, err := g.store.Get(ctx, guestIDKey); err == nil && id != "" {
		g.id = id
		return id
	} else if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		g.logger.Debug("Failed to read guest id", zap.Error(err))
	}

	g.id = "guest_" + uuid.NewString()
	if err := g.store.Set(ctx, guestIDKey, g.id); err != nil {
		g.logger.Debug("Failed to persist guest id", zap.Error(err))
	}
	return g.id
}

// OwnerResolver decides whose cart is being tracked
type OwnerResolver struct {
	identity IdentitySource
	guests   *GuestIDs
}

func NewOwnerResolver(identity IdentitySource, guests *GuestIDs) *OwnerResolver {
	return &OwnerResolver{identity: identity, guests: guests}
}

// Owner returns the signed-in user when there is one, otherwise the guest id
func (r *OwnerResolver) Owner(ctx context.Context) models.CartOwner {
	if id := r.identity.CurrentUserID(); id != "" {
		return models.CartOwner{UserID: id}
	}
	return models.CartOwner{GuestID: r.guests.GuestID(ctx)}
}
