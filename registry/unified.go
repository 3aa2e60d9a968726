package registry

// UnifiedRegistry composes one writable local registry with any number of
// read-only remotes. Reads merge across all sources;
// writes go only to the local registry; on an identity collision between
// local and a remote, local wins.
type UnifiedRegistry struct {
	local   ReadWriter
	remotes []Reader
}

// NewUnifiedRegistry constructs a UnifiedRegistry over local and remotes.
func NewUnifiedRegistry(local ReadWriter, remotes ...Reader) *UnifiedRegistry {
	return &UnifiedRegistry{local: local, remotes: remotes}
}

// InsertNode delegates to the local registry.
func (u *UnifiedRegistry) InsertNode(n Node) error {
	return u.local.InsertNode(n)
}

// DeleteNode delegates to the local registry.
func (u *UnifiedRegistry) DeleteNode(identity string) (Node, bool, error) {
	return u.local.DeleteNode(identity)
}

// FetchNode checks the local registry first, then each remote in order,
// per the "local wins" identity-collision rule.
func (u *UnifiedRegistry) FetchNode(identity string) (Node, bool, error) {
	if n, ok, err := u.local.FetchNode(identity); err != nil {
		return Node{}, false, err
	} else if ok {
		return n, true, nil
	}

	for _, remote := range u.remotes {
		n, ok, err := remote.FetchNode(identity)
		if err != nil {
			return Node{}, false, err
		}
		if ok {
			return n, true, nil
		}
	}
	return Node{}, false, nil
}

// HasNode reports whether identity is known to the local registry or any
// remote.
func (u *UnifiedRegistry) HasNode(identity string) (bool, error) {
	return hasNode(u, identity)
}

// ListNodes merges the local registry's nodes with every remote's,
// matching predicates against each and preferring the local copy on an
// identity collision.
func (u *UnifiedRegistry) ListNodes(predicates []MetadataPredicate) ([]Node, error) {
	merged := make(map[string]Node)

	for _, remote := range u.remotes {
		nodes, err := remote.ListNodes(nil)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			merged[n.Identity] = n
		}
	}

	localNodes, err := u.local.ListNodes(nil)
	if err != nil {
		return nil, err
	}
	for _, n := range localNodes {
		merged[n.Identity] = n
	}

	out := make([]Node, 0, len(merged))
	for _, n := range merged {
		if matchesAll(n, predicates) {
			out = append(out, n)
		}
	}
	return out, nil
}

// CountNodes returns the count of merged nodes matching predicates.
func (u *UnifiedRegistry) CountNodes(predicates []MetadataPredicate) (int, error) {
	nodes, err := u.ListNodes(predicates)
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}
