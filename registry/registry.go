// Package registry implements the node registry: a
// uniform reader/writer interface with a local mutable implementation, a
// read-only remote implementation with background refresh, and a unified
// composite. Node persistence follows a newline-terminated JSON document
// format, favoring small self-describing on-disk formats over a database
// for config-adjacent state, the same way a single-file backup format
// is preferred over a full database for similar small catalogs.
package registry

import (
	"github.com/splinter-mesh/splinter/internal/xerrors"
)

// Node is the registry's representation of a known Splinter node.
type Node struct {
	Identity    string
	Endpoints   []string
	DisplayName string
	Keys        []string
	Metadata    map[string]string
}

// HasKey reports whether key is among the node's permitted public keys.
func (n Node) HasKey(key string) bool {
	for _, k := range n.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of n, since callers receive copies from the
// registry and must not observe mutation through a shared slice/map.
func (n Node) Clone() Node {
	out := n
	out.Endpoints = append([]string(nil), n.Endpoints...)
	out.Keys = append([]string(nil), n.Keys...)
	out.Metadata = make(map[string]string, len(n.Metadata))
	for k, v := range n.Metadata {
		out.Metadata[k] = v
	}
	return out
}

func checkRequiredFields(n Node) error {
	if n.Identity == "" {
		return xerrors.New(xerrors.InvalidInput, "registry.Node", nil)
	}
	if len(n.Endpoints) == 0 {
		return xerrors.New(xerrors.InvalidInput, "registry.Node", nil)
	}
	for _, ep := range n.Endpoints {
		if ep == "" {
			return xerrors.New(xerrors.InvalidInput, "registry.Node", nil)
		}
	}
	if len(n.Keys) == 0 {
		return xerrors.New(xerrors.InvalidInput, "registry.Node", nil)
	}
	for _, k := range n.Keys {
		if k == "" {
			return xerrors.New(xerrors.InvalidInput, "registry.Node", nil)
		}
	}
	return nil
}

// PredicateOp enumerates the comparison operators MetadataPredicate may
// apply.
type PredicateOp int

const (
	PredicateEq PredicateOp = iota
	PredicateNe
	PredicateGt
	PredicateGe
	PredicateLt
	PredicateLe
)

// MetadataPredicate filters nodes by a key/value comparison against their
// metadata table, ANDed together across a slice.
type MetadataPredicate struct {
	Key   string
	Op    PredicateOp
	Value string
}

// Apply reports whether node satisfies p. A missing key evaluates false
// for every operator except Ne, which returns true when the key is absent.
func (p MetadataPredicate) Apply(n Node) bool {
	v, ok := n.Metadata[p.Key]
	if !ok {
		return p.Op == PredicateNe
	}
	switch p.Op {
	case PredicateEq:
		return v == p.Value
	case PredicateNe:
		return v != p.Value
	case PredicateGt:
		return v > p.Value
	case PredicateGe:
		return v >= p.Value
	case PredicateLt:
		return v < p.Value
	case PredicateLe:
		return v <= p.Value
	default:
		return false
	}
}

func matchesAll(n Node, predicates []MetadataPredicate) bool {
	for _, p := range predicates {
		if !p.Apply(n) {
			return false
		}
	}
	return true
}

// Reader defines registry read capabilities.
type Reader interface {
	ListNodes(predicates []MetadataPredicate) ([]Node, error)
	CountNodes(predicates []MetadataPredicate) (int, error)
	FetchNode(identity string) (Node, bool, error)
	HasNode(identity string) (bool, error)
}

// Writer defines registry write capabilities.
type Writer interface {
	InsertNode(n Node) error
	DeleteNode(identity string) (Node, bool, error)
}

// ReadWriter composes Reader and Writer into a single read/write handle.
type ReadWriter interface {
	Reader
	Writer
}

// hasNode is the shared HasNode implementation every Reader delegates to.
func hasNode(r Reader, identity string) (bool, error) {
	_, ok, err := r.FetchNode(identity)
	return ok, err
}
