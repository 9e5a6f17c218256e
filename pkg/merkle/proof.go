package merkle

import (
	"fmt"
	"strings"
)

type InclusionProof struct {
	LeafIndex  int         `json:"leaf_index"`
	LeafCount  int         `json:"leaf_count"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Prove returns the inclusion proof for leaves[index] in the padded tree.
func Prove(leaves []string, index int) (*InclusionProof, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(leaves))
	}
	tree, err := Build(leaves)
	if err != nil {
		return nil, err
	}

	proof := &InclusionProof{
		LeafIndex:  index,
		LeafCount:  len(leaves),
		LeafHash:   leaves[index],
		MerkleRoot: tree.Root,
		ProofPath:  []ProofStep{},
	}

	pos := index
	for _, level := range tree.Levels[:len(tree.Levels)-1] {
		if pos%2 == 0 {
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "R", SiblingHash: level[pos+1]})
		} else {
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "L", SiblingHash: level[pos-1]})
		}
		pos /= 2
	}
	return proof, nil
}

// VerifyInclusionProof verifies that a leaf is part of the Merkle tree.
// A non-empty expectedRoot must match the root carried in the proof.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}
	if !isDigest(proof.LeafHash) {
		return false
	}

	currentHash := proof.LeafHash
	for _, step := range proof.ProofPath {
		if !isDigest(step.SiblingHash) {
			return false
		}
		switch step.Side {
		case "L":
			currentHash = NodeHash(step.SiblingHash, currentHash)
		case "R":
			currentHash = NodeHash(currentHash, step.SiblingHash)
		default:
			return false
		}
	}

	return strings.EqualFold(currentHash, proof.MerkleRoot)
}
