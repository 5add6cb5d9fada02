// Package merkle implements the sorted-pair keccak Merkle commitment
// layer: building a tree from an ordered list of pre-hashed leaves, and
// verifying inclusion proofs against a root.
//
// The tree is represented as a flat leaves array plus layers computed on
// demand; there is no pointer-linked node structure.
package merkle

// Tree is a materialized Merkle tree: every layer from the leaves up to
// the single root node. Layers[0] is the leaf layer; Layers[len-1] is a
// single-element slice holding the root.
type Tree struct {
	Layers [][]Hash
}

// Build constructs a Tree from an ordered sequence of pre-hashed leaves.
// Equal leaf sequences always yield an equal tree.
//
// Edge cases: an empty leaf set yields a Tree whose
// Root is the zero hash and whose proofs are undefined; a single leaf
// yields a Tree whose Root equals that leaf and whose proof path is empty.
// An odd trailing node at any layer is carried unchanged into the next
// layer rather than duplicated.
func Build(leaves []Hash) *Tree {
	if len(leaves) == 0 {
		return &Tree{Layers: nil}
	}

	layers := [][]Hash{leaves}
	cur := leaves
	for len(cur) > 1 {
		next := make([]Hash, 0, (len(cur)+1)/2)
		for i := 0; i+1 < len(cur); i += 2 {
			next = append(next, sortedPairHash(cur[i], cur[i+1]))
		}
		if len(cur)%2 == 1 {
			// Odd trailing node: carried unchanged, not duplicated.
			next = append(next, cur[len(cur)-1])
		}
		layers = append(layers, next)
		cur = next
	}
	return &Tree{Layers: layers}
}

// Root returns the tree's root hash, or the zero hash for an empty tree.
func (t *Tree) Root() Hash {
	if len(t.Layers) == 0 {
		return ZeroHash
	}
	top := t.Layers[len(t.Layers)-1]
	return top[0]
}

// Proof returns the inclusion path for the leaf at index, from leaf to
// root. A level contributes no entry to the path when the leaf's node at
// that level has no sibling (it was carried unchanged to the next layer).
func (t *Tree) Proof(index int) ([]Hash, error) {
	if len(t.Layers) == 0 {
		return nil, errEmptyTree
	}
	if index < 0 || index >= len(t.Layers[0]) {
		return nil, errIndexOutOfRange
	}
	if len(t.Layers) == 1 {
		return nil, nil // single leaf: root == leaf, empty path
	}

	var path []Hash
	idx := index
	for level := 0; level < len(t.Layers)-1; level++ {
		nodes := t.Layers[level]
		if idx%2 == 0 {
			if idx+1 < len(nodes) {
				path = append(path, nodes[idx+1])
			}
			// else: odd trailing node, carried unchanged, no sibling.
		} else {
			path = append(path, nodes[idx-1])
		}
		idx /= 2
	}
	return path, nil
}

// Verify checks an inclusion proof against a root using the sorted-pair
// rule. It is a pure function of (leaf, path, root); it does not need
// the leaf's index, because sortedPairHash is symmetric in its two
// inputs.
// Altering a single byte of leaf, any path entry, or root makes it return
// false.
func Verify(leaf Hash, path []Hash, root Hash) bool {
	cur := leaf
	for _, sibling := range path {
		cur = sortedPairHash(cur, sibling)
	}
	return cur == root
}
