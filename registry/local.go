package registry

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/splinter-mesh/splinter/internal/xerrors"
)

// LocalRegistry is the writable, file-backed registry implementation.
// Identity is the uniqueness key; endpoints are also required to be unique
// across the whole registry. The on-disk format is a newline-terminated
// sequence of JSON-encoded Node documents.
type LocalRegistry struct {
	path string

	mu    sync.RWMutex
	nodes map[string]Node
}

// NewLocalRegistry constructs a LocalRegistry backed by path. If path names
// an existing file, it is loaded and validated; a missing file starts
// empty (it is created on the first write).
func NewLocalRegistry(path string) (*LocalRegistry, error) {
	r := &LocalRegistry{path: path, nodes: make(map[string]Node)}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, xerrors.New(xerrors.PersistentIo, "registry.NewLocalRegistry", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var n Node
		if err := json.Unmarshal(line, &n); err != nil {
			return nil, xerrors.New(xerrors.InvalidInput, "registry.NewLocalRegistry", err)
		}
		if err := checkRequiredFields(n); err != nil {
			return nil, err
		}
		r.nodes[n.Identity] = n
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.New(xerrors.PersistentIo, "registry.NewLocalRegistry", err)
	}
	return r, nil
}

// persistLocked rewrites the whole file from the in-memory map. Callers
// must hold r.mu for writing. A full rewrite (rather than an append log)
// keeps delete_node simple and the on-disk format always a clean, minimal
// snapshot — acceptable since the registry is expected to be small (one
// row per known node, not per message).
func (r *LocalRegistry) persistLocked() error {
	if r.path == "" {
		return nil
	}
	tmp := r.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return xerrors.New(xerrors.PersistentIo, "registry.persist", err)
	}

	w := bufio.NewWriter(f)
	for _, n := range r.nodes {
		b, err := json.Marshal(n)
		if err != nil {
			f.Close()
			return xerrors.New(xerrors.Internal, "registry.persist", err)
		}
		if _, err := w.Write(b); err != nil {
			f.Close()
			return xerrors.New(xerrors.PersistentIo, "registry.persist", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			f.Close()
			return xerrors.New(xerrors.PersistentIo, "registry.persist", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return xerrors.New(xerrors.PersistentIo, "registry.persist", err)
	}
	if err := f.Close(); err != nil {
		return xerrors.New(xerrors.PersistentIo, "registry.persist", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return xerrors.New(xerrors.PersistentIo, "registry.persist", err)
	}
	return nil
}

func (r *LocalRegistry) endpointConflictLocked(n Node) bool {
	for _, existing := range r.nodes {
		if existing.Identity == n.Identity {
			continue
		}
		for _, ep := range existing.Endpoints {
			for _, newEp := range n.Endpoints {
				if ep == newEp {
					return true
				}
			}
		}
	}
	return false
}

// InsertNode adds n, or replaces an existing node with the same identity.
func (r *LocalRegistry) InsertNode(n Node) error {
	if err := checkRequiredFields(n); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.endpointConflictLocked(n) {
		return xerrors.New(xerrors.Conflict, "registry.InsertNode", nil)
	}

	r.nodes[n.Identity] = n.Clone()
	return r.persistLocked()
}

// DeleteNode removes identity's node, returning it if it existed.
func (r *LocalRegistry) DeleteNode(identity string) (Node, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[identity]
	if !ok {
		return Node{}, false, nil
	}
	delete(r.nodes, identity)
	if err := r.persistLocked(); err != nil {
		return Node{}, false, err
	}
	return n.Clone(), true, nil
}

// ListNodes returns every node matching predicates (ANDed).
func (r *LocalRegistry) ListNodes(predicates []MetadataPredicate) ([]Node, error) {
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

// CountNodes returns the count of nodes matching predicates.
func (r *LocalRegistry) CountNodes(predicates []MetadataPredicate) (int, error) {
	nodes, err := r.ListNodes(predicates)
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

// FetchNode returns identity's node, if known.
func (r *LocalRegistry) FetchNode(identity string) (Node, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[identity]
	if !ok {
		return Node{}, false, nil
	}
	return n.Clone(), true, nil
}

// HasNode reports whether identity is known.
func (r *LocalRegistry) HasNode(identity string) (bool, error) {
	return hasNode(r, identity)
}
