package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafFromByte(b byte) Hash {
	var h Hash
	h[0] = b
	return h
}

func TestBuildEmptyTree(t *testing.T) {
	tree := Build(nil)
	assert.Equal(t, ZeroHash, tree.Root())

	_, err := tree.Proof(0)
	assert.Error(t, err)
}

func TestBuildSingleLeaf(t *testing.T) {
	leaf := leafFromByte(0x42)
	tree := Build([]Hash{leaf})
	assert.Equal(t, leaf, tree.Root())

	path, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.True(t, Verify(leaf, path, tree.Root()))
}

func TestBuildDeterministic(t *testing.T) {
	leaves := []Hash{leafFromByte(1), leafFromByte(2), leafFromByte(3), leafFromByte(4), leafFromByte(5)}

	t1 := Build(leaves)
	t2 := Build(leaves)
	assert.Equal(t, t1.Root(), t2.Root())

	for i := range leaves {
		p1, err := t1.Proof(i)
		require.NoError(t, err)
		p2, err := t2.Proof(i)
		require.NoError(t, err)
		assert.Equal(t, p1, p2)
	}
}

func TestProofVerifiesForEveryLeaf(t *testing.T) {
	leaves := []Hash{leafFromByte(1), leafFromByte(2), leafFromByte(3), leafFromByte(4), leafFromByte(5), leafFromByte(6), leafFromByte(7)}
	tree := Build(leaves)

	for i, leaf := range leaves {
		path, err := tree.Proof(i)
		require.NoError(t, err)
		assert.True(t, Verify(leaf, path, tree.Root()), "leaf %d should verify", i)
	}
}

func TestProofRejectsTamperedInputs(t *testing.T) {
	leaves := []Hash{leafFromByte(1), leafFromByte(2), leafFromByte(3), leafFromByte(4)}
	tree := Build(leaves)
	path, err := tree.Proof(1)
	require.NoError(t, err)
	require.True(t, Verify(leaves[1], path, tree.Root()))

	tamperedLeaf := leaves[1]
	tamperedLeaf[0] ^= 0xFF
	assert.False(t, Verify(tamperedLeaf, path, tree.Root()))

	tamperedPath := make([]Hash, len(path))
	copy(tamperedPath, path)
	tamperedPath[0][0] ^= 0xFF
	assert.False(t, Verify(leaves[1], tamperedPath, tree.Root()))

	tamperedRoot := tree.Root()
	tamperedRoot[0] ^= 0xFF
	assert.False(t, Verify(leaves[1], path, tamperedRoot))
}

func TestOddLayerCarriedUnchanged(t *testing.T) {
	// Three leaves: layer0 has 3 nodes, an odd count. The third node
	// carries unchanged into layer1 (2 nodes), which is then hashed into
	// the root.
	leaves := []Hash{leafFromByte(1), leafFromByte(2), leafFromByte(3)}
	tree := Build(leaves)
	require.Len(t, tree.Layers, 3)
	require.Len(t, tree.Layers[1], 2)
	assert.Equal(t, leaves[2], tree.Layers[1][1])

	path, err := tree.Proof(2)
	require.NoError(t, err)
	// The carried leaf has no sibling at layer 0, so its proof has a
	// single entry (layer 1's pairing with the hash of leaves 0 and 1).
	assert.Len(t, path, 1)
	assert.True(t, Verify(leaves[2], path, tree.Root()))
}
