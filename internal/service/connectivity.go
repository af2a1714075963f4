package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"almans/internal/util"

	"go.uber.org/zap"
)

// Connectivity is the network status signal consumed by the offline cache
type Connectivity interface {
	Online() bool
}

// NetworkStatus is a settable Connectivity that notifies listeners on
// online/offline transitions.
type NetworkStatus struct {
	online    atomic.Bool
	mu        sync.Mutex
	listeners []func(online bool)
}

func NewNetworkStatus(online bool) *NetworkStatus {
	ns := &NetworkStatus{}
	ns.online.Store(online)
	return ns
}

func (ns *NetworkStatus) Online() bool {
	return ns.online.Load()
}

// Set updates the status and fires listeners only on a transition
func (ns *NetworkStatus) Set(online bool) {
	if ns.online.Swap(online) == online {
		return
	}

	ns.mu.Lock()
	listeners := append([]func(bool){}, ns.listeners...)
	ns.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}

// OnChange registers a transition listener
func (ns *NetworkStatus) OnChange(fn func(online bool)) {
	ns.mu.Lock()
	ns.listeners = append(ns.listeners, fn)
	ns.mu.Unlock()
}

// Pinger is anything whose reachability stands in for "the network"
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProbeConnectivity polls target every interval and updates status until ctx is done
func ProbeConnectivity(ctx context.Context, status *NetworkStatus, target Pinger, interval time.Duration) {
	logger := util.Component("connectivity")

	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, interval/2)
		defer cancel()

		err := target.Ping(pctx)
		if err != nil && status.Online() {
			logger.Warn("Remote data service unreachable, going offline", zap.Error(err))
		}
		if err == nil && !status.Online() {
			logger.Info("Remote data service reachable again")
		}
		status.Set(err == nil)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
