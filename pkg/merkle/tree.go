// Package merkle computes the chain root over sealed evidence leaves.
//
// Tree shape (replayed identically by every verifier):
//   - zero leaves: root = SHA256("EMPTY")
//   - one leaf:    root = the leaf
//   - otherwise:   pad by repeating the last leaf up to the next power of
//     two, then node = SHA256(left || right) over the raw 32-byte digests,
//     level by level.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// EmptyRoot is SHA256("EMPTY"), the root of a chain with no sealed entries.
const EmptyRoot = "cc1d2f838445db7aec431df9ee8a871f40e7aa5e064fc056633ef8c60fab7b06"

var ErrInvalidLeaf = errors.New("merkle: leaf is not a 32-byte hex digest")

// Tree is the padded tree for an ordered leaf sequence.
type Tree struct {
	Leaves []string   // as supplied, unpadded
	Levels [][]string // Levels[0] is the padded leaf level; the last level holds the root
	Root   string
}

// ComputeRoot returns the root for leaves in chain order.
func ComputeRoot(leaves []string) (string, error) {
	tree, err := Build(leaves)
	if err != nil {
		return "", err
	}
	return tree.Root, nil
}

// Build constructs the full tree. Leaves must be lowercase or uppercase
// hex-encoded SHA-256 digests.
func Build(leaves []string) (*Tree, error) {
	for i, l := range leaves {
		if !isDigest(l) {
			return nil, fmt.Errorf("%w (index %d)", ErrInvalidLeaf, i)
		}
	}

	tree := &Tree{Leaves: append([]string(nil), leaves...)}
	switch len(leaves) {
	case 0:
		tree.Root = EmptyRoot
		return tree, nil
	case 1:
		tree.Levels = [][]string{{leaves[0]}}
		tree.Root = leaves[0]
		return tree, nil
	}

	currentLevel := pad(leaves)
	for len(currentLevel) > 1 {
		tree.Levels = append(tree.Levels, currentLevel)
		currentLevel = buildNextLevel(currentLevel)
	}
	tree.Levels = append(tree.Levels, currentLevel)
	tree.Root = currentLevel[0]
	return tree, nil
}

// pad repeats the last leaf until the count is a power of two.
func pad(leaves []string) []string {
	size := 1
	for size < len(leaves) {
		size <<= 1
	}
	padded := make([]string, size)
	copy(padded, leaves)
	last := leaves[len(leaves)-1]
	for i := len(leaves); i < size; i++ {
		padded[i] = last
	}
	return padded
}

func buildNextLevel(hashes []string) []string {
	nextLevel := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		nextLevel[i/2] = NodeHash(hashes[i], hashes[i+1])
	}
	return nextLevel
}

// NodeHash is SHA256(left || right) over the decoded digests.
func NodeHash(left, right string) string {
	buf := make([]byte, 0, 2*sha256.Size)
	buf = append(buf, hexToBytes(left)...)
	buf = append(buf, hexToBytes(right)...)
	return sha256Hex(buf)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

func isDigest(s string) bool {
	if len(s) != 2*sha256.Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
