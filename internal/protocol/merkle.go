package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	merkleNodePrefix = "coldchain:audit:node:v1:"
	merkleEmptySeed  = "coldchain:audit:empty:v1"
)

type MerkleStep struct {
	Side string `json:"side"`
	Hash string `json:"hash"`
}

// MerkleProof shows that one audit entry hash is a leaf of an export's
// entries root. Hashes are lowercase hex.
type MerkleProof struct {
	LeafHash  string       `json:"leaf_hash"`
	RootHash  string       `json:"root_hash"`
	TreeSize  int          `json:"tree_size"`
	LeafIndex int          `json:"leaf_index"`
	Path      []MerkleStep `json:"path"`
}

func ComputeMerkleRoot(leafHashes []string) (string, error) {
	if len(leafHashes) == 0 {
		empty := sha256.Sum256([]byte(merkleEmptySeed))
		return hex.EncodeToString(empty[:]), nil
	}
	level, err := decodeLeaves(leafHashes)
	if err != nil {
		return "", err
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return hex.EncodeToString(level[0]), nil
}

func ComputeInclusionProof(leafHashes []string, leafIndex int) (*MerkleProof, error) {
	if leafIndex < 0 || leafIndex >= len(leafHashes) {
		return nil, errors.New("leaf index out of range")
	}
	level, err := decodeLeaves(leafHashes)
	if err != nil {
		return nil, err
	}
	path := make([]MerkleStep, 0)
	idx := leafIndex
	for len(level) > 1 {
		siblingIdx, side := idx+1, "right"
		if idx%2 == 1 {
			siblingIdx, side = idx-1, "left"
		}
		sibling := level[idx]
		if siblingIdx < len(level) {
			sibling = level[siblingIdx]
		}
		path = append(path, MerkleStep{Side: side, Hash: hex.EncodeToString(sibling)})
		level = nextLevel(level)
		idx /= 2
	}
	return &MerkleProof{
		LeafHash:  leafHashes[leafIndex],
		RootHash:  hex.EncodeToString(level[0]),
		TreeSize:  len(leafHashes),
		LeafIndex: leafIndex,
		Path:      path,
	}, nil
}

func VerifyInclusionProof(proof *MerkleProof) (bool, error) {
	acc, err := hex.DecodeString(proof.LeafHash)
	if err != nil {
		return false, err
	}
	for _, step := range proof.Path {
		sibling, err := hex.DecodeString(step.Hash)
		if err != nil {
			return false, err
		}
		switch step.Side {
		case "left":
			acc = nodeHash(sibling, acc)
		case "right":
			acc = nodeHash(acc, sibling)
		default:
			return false, errors.New("invalid proof side")
		}
	}
	return hex.EncodeToString(acc) == proof.RootHash, nil
}

func decodeLeaves(leafHashes []string) ([][]byte, error) {
	level := make([][]byte, 0, len(leafHashes))
	for i, leaf := range leafHashes {
		b, err := hex.DecodeString(leaf)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		level = append(level, b)
	}
	return level, nil
}

// nextLevel pairs adjacent nodes, duplicating the last one on odd levels.
func nextLevel(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, nodeHash(left, right))
	}
	return next
}

func nodeHash(left, right []byte) []byte {
	msg := make([]byte, 0, len(merkleNodePrefix)+len(left)+len(right))
	msg = append(msg, merkleNodePrefix...)
	msg = append(msg, left...)
	msg = append(msg, right...)
	h := sha256.Sum256(msg)
	return h[:]
}
