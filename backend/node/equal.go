package node

// SameNode reports whether two nodes are the same identity, per spec §4.B:
// "Nodes compare equal iff (device_uid, node_uid) match."
func SameNode(a, b Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	return Equal(a.Identifier(), b.Identifier())
}

// IsAncestorPath reports whether candidate is a path-ancestor of target,
// used by the op graph's dependency rule 1 (spec §4.H) for directories
// where UID-based aliasing isn't enough — a MV into a not-yet-existing
// subdirectory must depend on that subdirectory's own creation.
func IsAncestorPath(candidate, target string) bool {
	if candidate == target {
		return false
	}
	if len(candidate) >= len(target) {
		return false
	}
	if candidate == "/" {
		return len(target) > 1 && target[0] == '/'
	}
	return len(target) > len(candidate) && target[:len(candidate)] == candidate && target[len(candidate)] == '/'
}
