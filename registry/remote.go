package registry

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/splinter-mesh/splinter/internal/log"
	"github.com/splinter-mesh/splinter/internal/xerrors"
)

var registryLog = log.NewSubsystem("RGST")

// Fetcher retrieves the full node list from a remote registry source (an
// HTTP endpoint, a shared file, etc.); the concrete transport is left to
// the caller supplying this function, keeping RemoteRegistry transport
// agnostic to wire format.
type Fetcher func() ([]Node, error)

// RemoteRegistry is a read-only registry that refreshes its in-memory
// snapshot from Fetcher on two cadences.: a periodic
// AutoRefresh pull driven by a background goroutine, and an on-read
// ForcedRefresh lower bound that re-pulls synchronously if the snapshot is
// older than ForcedRefresh at the time of the read.
type RemoteRegistry struct {
	fetch         Fetcher
	autoRefresh   time.Duration
	forcedRefresh time.Duration
	clock         clock.Clock

	mu       sync.RWMutex
	nodes    map[string]Node
	fetchedAt time.Time

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// RemoteConfig parameterizes a RemoteRegistry.
type RemoteConfig struct {
	Fetch         Fetcher
	AutoRefresh   time.Duration
	ForcedRefresh time.Duration
	Clock         clock.Clock
}

// NewRemoteRegistry constructs a RemoteRegistry and performs one synchronous
// initial fetch so reads are never served against an empty snapshot.
func NewRemoteRegistry(cfg RemoteConfig) (*RemoteRegistry, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	r := &RemoteRegistry{
		fetch:         cfg.Fetch,
		autoRefresh:   cfg.AutoRefresh,
		forcedRefresh: cfg.ForcedRefresh,
		clock:         cfg.Clock,
		nodes:         make(map[string]Node),
		quit:          make(chan struct{}),
	}
	if err := r.refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Start launches the AutoRefresh background goroutine, if configured.
func (r *RemoteRegistry) Start() {
	if r.autoRefresh <= 0 {
		return
	}
	r.wg.Add(1)
	go r.autoRefreshLoop()
}

// Stop halts the background refresh goroutine. Idempotent.
func (r *RemoteRegistry) Stop() {
	r.quitOnce.Do(func() { close(r.quit) })
	r.wg.Wait()
}

func (r *RemoteRegistry) autoRefreshLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.autoRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.refresh(); err != nil {
				registryLog.Warnf("remote registry auto-refresh failed: %v", err)
			}
		case <-r.quit:
			return
		}
	}
}

func (r *RemoteRegistry) refresh() error {
	nodes, err := r.fetch()
	if err != nil {
		return xerrors.New(xerrors.TransientIo, "registry.RemoteRegistry.refresh", err)
	}

	byIdentity := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if err := checkRequiredFields(n); err != nil {
			return err
		}
		byIdentity[n.Identity] = n
	}

	r.mu.Lock()
	r.nodes = byIdentity
	r.fetchedAt = r.clock.Now()
	r.mu.Unlock()
	return nil
}

// maybeForceRefresh re-pulls synchronously if the snapshot is older than
// ForcedRefresh per the on-read lower bound.
func (r *RemoteRegistry) maybeForceRefresh() {
	if r.forcedRefresh <= 0 {
		return
	}

	r.mu.RLock()
	stale := r.clock.Now().Sub(r.fetchedAt) >= r.forcedRefresh
	r.mu.RUnlock()

	if stale {
		if err := r.refresh(); err != nil {
			registryLog.Warnf("remote registry forced refresh failed: %v", err)
		}
	}
}

// ListNodes returns every cached node matching predicates (ANDed).
func (r *RemoteRegistry) ListNodes(predicates []MetadataPredicate) ([]Node, error) {
	r.maybeForceRefresh()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if matchesAll(n, predicates) {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

// CountNodes returns the count of cached nodes matching predicates.
func (r *RemoteRegistry) CountNodes(predicates []MetadataPredicate) (int, error) {
	nodes, err := r.ListNodes(predicates)
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

// FetchNode returns identity's cached node, if known.
func (r *RemoteRegistry) FetchNode(identity string) (Node, bool, error) {
	r.maybeForceRefresh()

	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[identity]
	if !ok {
		return Node{}, false, nil
	}
	return n.Clone(), true, nil
}

// HasNode reports whether identity is known.
func (r *RemoteRegistry) HasNode(identity string) (bool, error) {
	return hasNode(r, identity)
}
