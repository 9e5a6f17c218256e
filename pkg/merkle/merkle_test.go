package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaf(i int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("leaf-%d", i)))
	return hex.EncodeToString(h[:])
}

func leaves(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = leaf(i)
	}
	return out
}

func TestComputeRoot_EmptySentinel(t *testing.T) {
	sum := sha256.Sum256([]byte("EMPTY"))
	require.Equal(t, hex.EncodeToString(sum[:]), EmptyRoot)

	root, err := ComputeRoot(nil)
	require.NoError(t, err)
	assert.Equal(t, EmptyRoot, root)

	single, err := ComputeRoot([]string{leaf(0)})
	require.NoError(t, err)
	assert.NotEqual(t, EmptyRoot, single)
}

func TestComputeRoot_SingleLeafIsRoot(t *testing.T) {
	root, err := ComputeRoot([]string{leaf(7)})
	require.NoError(t, err)
	assert.Equal(t, leaf(7), root)
}

func TestComputeRoot_PadsToPowerOfTwo(t *testing.T) {
	l := leaves(3)
	//       Root
	//      /    \
	//     N1     N2
	//    /  \   /  \
	//   L0  L1 L2  L2 (pad)
	n1 := NodeHash(l[0], l[1])
	n2 := NodeHash(l[2], l[2])
	root, err := ComputeRoot(l)
	require.NoError(t, err)
	assert.Equal(t, NodeHash(n1, n2), root)

	// Five leaves pad to eight with L4 repeated, which differs from
	// per-level duplication.
	l = leaves(5)
	a := NodeHash(NodeHash(l[0], l[1]), NodeHash(l[2], l[3]))
	b := NodeHash(NodeHash(l[4], l[4]), NodeHash(l[4], l[4]))
	root, err = ComputeRoot(l)
	require.NoError(t, err)
	assert.Equal(t, NodeHash(a, b), root)
}

func TestNodeHash_RawDigestConcatenation(t *testing.T) {
	l, r := leaf(1), leaf(2)
	lb, _ := hex.DecodeString(l)
	rb, _ := hex.DecodeString(r)
	sum := sha256.Sum256(append(lb, rb...))
	assert.Equal(t, hex.EncodeToString(sum[:]), NodeHash(l, r))
}

func TestComputeRoot_OrderSensitive(t *testing.T) {
	l := leaves(4)
	r1, err := ComputeRoot(l)
	require.NoError(t, err)
	l[1], l[2] = l[2], l[1]
	r2, err := ComputeRoot(l)
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2)
}

func TestComputeRoot_RejectsMalformedLeaf(t *testing.T) {
	_, err := ComputeRoot([]string{leaf(0), "zz"})
	assert.ErrorIs(t, err, ErrInvalidLeaf)
}

func TestProve_AllLeavesVerify(t *testing.T) {
	for n := 1; n <= 9; n++ {
		l := leaves(n)
		root, err := ComputeRoot(l)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			proof, err := Prove(l, i)
			require.NoError(t, err)
			assert.Equal(t, root, proof.MerkleRoot)
			assert.True(t, VerifyInclusionProof(*proof, root), "n=%d i=%d", n, i)
		}
	}
}

func TestVerifyInclusionProof_Tampered(t *testing.T) {
	l := leaves(4)
	proof, err := Prove(l, 2)
	require.NoError(t, err)

	bad := *proof
	bad.LeafHash = leaf(99)
	assert.False(t, VerifyInclusionProof(bad, proof.MerkleRoot))

	assert.False(t, VerifyInclusionProof(*proof, leaf(42)), "foreign root must not verify")

	bad = *proof
	bad.ProofPath = append([]ProofStep(nil), proof.ProofPath...)
	bad.ProofPath[0].Side = "X"
	assert.False(t, VerifyInclusionProof(bad, ""))
}

func TestProve_OutOfRange(t *testing.T) {
	_, err := Prove(leaves(2), 2)
	assert.Error(t, err)
	_, err = Prove(nil, 0)
	assert.Error(t, err)
}
