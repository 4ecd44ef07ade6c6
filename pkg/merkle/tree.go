// Package merkle builds Merkle trees over journal entry hashes so that
// a sealed prefix of the WORM log can be attested with a single signed
// root digest. Leaf and node hashes are domain-separated to rule out
// second-preimage splices between levels.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const (
	leafDomain = "tiller:worm:leaf:v1"
	nodeDomain = "tiller:worm:node:v1"
)

var ErrEmptyTree = errors.New("merkle tree has no leaves")

// Tree is a Merkle tree over a fixed leaf set.
type Tree struct {
	leaves []string   // leaf hashes, hex
	levels [][]string // levels[0] = leaf hashes, last level = [root]
}

// Build constructs a tree over the given leaf values. Each leaf value is
// hashed with the leaf domain tag; odd levels duplicate the last node.
func Build(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	leafHashes := make([]string, len(leaves))
	for i, l := range leaves {
		leafHashes[i] = leafHash(l)
	}

	t := &Tree{leaves: leafHashes}
	level := leafHashes
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		level = nextLevel(level)
		t.levels = append(t.levels, level)
	}
	return t, nil
}

// Root returns the hex root hash.
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int { return len(t.leaves) }

// Proof returns the sibling path for leaf index i, ordered bottom-up.
// Each step carries the sibling hash and whether it sits on the left.
func (t *Tree) Proof(i int) ([]ProofStep, error) {
	if i < 0 || i >= len(t.leaves) {
		return nil, errors.New("leaf index out of range")
	}
	var path []ProofStep
	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling >= len(level) {
			sibling = idx // odd level, node paired with itself
		}
		path = append(path, ProofStep{
			Hash: level[sibling],
			Left: sibling < idx,
		})
		idx /= 2
	}
	return path, nil
}

// ProofStep is one sibling in an inclusion proof.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// VerifyProof checks that leaf belongs to the tree with the given root.
func VerifyProof(leaf []byte, path []ProofStep, root string) bool {
	cur := leafHash(leaf)
	for _, step := range path {
		if step.Left {
			cur = nodeHash(step.Hash, cur)
		} else {
			cur = nodeHash(cur, step.Hash)
		}
	}
	return cur == root
}

func leafHash(value []byte) string {
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	buf.Write(value)
	return sha256Hex(buf.Bytes())
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeDomain)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func nextLevel(hashes []string) []string {
	n := len(hashes)
	if n%2 != 0 {
		hashes = append(hashes, hashes[n-1])
		n++
	}
	out := make([]string, n/2)
	for i := 0; i < n; i += 2 {
		out[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return out
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
