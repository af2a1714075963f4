package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"almans/internal/models"
	"almans/internal/store"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// brokenStore fails every operation
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, error) { return "", errBoom }
func (brokenStore) Set(context.Context, string, string) error { return errBoom }
func (brokenStore) Remove(context.Context, string) error { return errBoom }

type fakeCoupons struct {
	coupons map[string]*models.Coupon
	err     error
	lookups []string
}

func (f *fakeCoupons) GetActiveCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	f.lookups = append(f.lookups, code)
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.coupons[code]
	if !ok || !c.IsActive {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

type fakeProducts struct {
	mu       sync.Mutex
	products map[string]models.Product
	err      error
	calls    int
	// gate, when set, blocks each fetch until it receives
	gate chan struct{}
}

func (f *fakeProducts) GetProductsByIDs(_ context.Context, ids []string) ([]models.Product, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Product
	for _, id := range ids {
		if p, ok := f.products[id]; ok && p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProducts) set(p models.Product) {
	f.mu.Lock()
	f.products[p.ID] = p
	f.mu.Unlock()
}

func (f *fakeProducts) remove(id string) {
	f.mu.Lock()
	delete(f.products, id)
	f.mu.Unlock()
}

type upsertCall struct {
	owner models.CartOwner
	items []models.CartLineSnapshot
	total int64
}

type fakeSnapshots struct {
	mu        sync.Mutex
	upserts   []upsertCall
	recovered []models.CartOwner
	err       error
}

func (f *fakeSnapshots) UpsertAbandonedCart(_ context.Context, owner models.CartOwner, items []models.CartLineSnapshot, total int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.upserts = append(f.upserts, upsertCall{owner: owner, items: items, total: total})
	return "snap-1", nil
}

func (f *fakeSnapshots) MarkAbandonedCartRecovered(_ context.Context, owner models.CartOwner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recovered = append(f.recovered, owner)
	return nil
}

func (f *fakeSnapshots) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

type staticOwner models.CartOwner

func (o staticOwner) Owner(context.Context) models.CartOwner { return models.CartOwner(o) }

func product(id string, price int64) models.Product {
	return models.Product{ID: id, Name: "Product " + id, Price: price, Stock: 100, IsActive: true, Images: []string{"https://img/" + id}}
}

// snapshotTable keeps at most one open snapshot per owner, like the
// abandoned_carts table. When hold is set each upsert signals entered and
// then blocks until hold is closed.
type snapshotTable struct {
	mu      sync.Mutex
	open    map[models.CartOwner]int64
	closed  int
	entered chan struct{}
	hold    chan struct{}
}

func newSnapshotTable() *snapshotTable {
	return &snapshotTable{open: make(map[models.CartOwner]int64)}
}

func (s *snapshotTable) UpsertAbandonedCart(_ context.Context, owner models.CartOwner, _ []models.CartLineSnapshot, total int64) (string, error) {
	if s.hold != nil {
		s.entered <- struct{}{}
		<-s.hold
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[owner] = total
	return "snap-" + owner.String(), nil
}

func (s *snapshotTable) MarkAbandonedCartRecovered(_ context.Context, owner models.CartOwner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[owner]; ok {
		delete(s.open, owner)
		s.closed++
	}
	return nil
}

func (s *snapshotTable) counts() (open, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open), s.closed
}
