// Package merkle builds the integrity certificate over completed shard
// results: a balanced binary hash tree with sampled inclusion proofs, plus
// bisection to localize corrupted leaves after a failed certification.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/loomworks/shardloom/pkg/certify"
)

// DefaultSampleSize is the default number of sampled inclusion proofs,
// capped at the leaf count.
const DefaultSampleSize = 32

// Leaf is the per-shard input to the tree. Trees are rebuilt from checkpoint
// store contents; a failed verification produces a new tree for the replayed
// subtree, never a mutation of this one.
type Leaf struct {
	ShardID      string
	Executor     string
	InputHash    string
	OutputDigest string
	Attempt      int
}

// Hash computes the leaf hash: SHA-256 over the executor kind, input hash,
// output digest and attempt metadata.
func (l Leaf) Hash() string {
	data := strings.Join([]string{l.Executor, l.InputHash, l.OutputDigest, strconv.Itoa(l.Attempt)}, "|")
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func branchHash(left, right string) string {
	sum := sha256.Sum256([]byte(left + "|" + right))
	return hex.EncodeToString(sum[:])
}

// EmptyRoot is the root of a tree with no leaves.
func EmptyRoot() string {
	sum := sha256.Sum256([]byte("empty"))
	return hex.EncodeToString(sum[:])
}

// Tree is an immutable balanced binary hash tree. Leaves are ordered by shard
// id so the same shard set always reproduces the same root.
type Tree struct {
	leaves []Leaf

	// levels[0] holds leaf hashes; each higher level pairs the one below.
	// An odd node is paired with itself.
	levels [][]string
}

// Build constructs a tree over the given leaves. The input slice is not
// mutated; leaves are sorted by shard id internally.
func Build(leaves []Leaf) *Tree {
	sorted := append([]Leaf(nil), leaves...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ShardID < sorted[j].ShardID })

	t := &Tree{leaves: sorted}
	if len(sorted) == 0 {
		return t
	}

	level := make([]string, len(sorted))
	for i, l := range sorted {
		level[i] = l.Hash()
	}
	t.levels = append(t.levels, level)

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, branchHash(left, right))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// Root returns the tree's root hash.
func (t *Tree) Root() string {
	if len(t.leaves) == 0 {
		return EmptyRoot()
	}
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Len returns the leaf count.
func (t *Tree) Len() int { return len(t.leaves) }

// Leaves returns the ordered leaves.
func (t *Tree) Leaves() []Leaf { return t.leaves }

// Proof builds the inclusion proof for the given shard id.
func (t *Tree) Proof(shardID string) (certify.Proof, error) {
	idx := sort.Search(len(t.leaves), func(i int) bool { return t.leaves[i].ShardID >= shardID })
	if idx >= len(t.leaves) || t.leaves[idx].ShardID != shardID {
		return certify.Proof{}, fmt.Errorf("shard %s is not a leaf of this tree", shardID)
	}

	proof := certify.Proof{
		LeafShardID: shardID,
		LeafHash:    t.levels[0][idx],
		RootHash:    t.Root(),
	}

	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		sibling := idx ^ 1
		if sibling >= len(nodes) {
			// Odd tail node is paired with itself.
			sibling = idx
		}
		side := "right"
		if sibling < idx {
			side = "left"
		}
		proof.Path = append(proof.Path, certify.ProofStep{Side: side, Hash: nodes[sibling]})
		idx /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the path and checks it lands on the proof's root.
func VerifyProof(p certify.Proof) bool {
	current := p.LeafHash
	for _, step := range p.Path {
		if step.Side == "left" {
			current = branchHash(step.Hash, current)
		} else {
			current = branchHash(current, step.Hash)
		}
	}
	return current == p.RootHash
}

// SampleProofs returns inclusion proofs for k uniformly sampled leaves
// (all leaves when k >= Len). A non-positive k falls back to
// DefaultSampleSize.
func (t *Tree) SampleProofs(k int) ([]certify.Proof, error) {
	if k <= 0 {
		k = DefaultSampleSize
	}
	n := len(t.leaves)
	if n == 0 {
		return nil, nil
	}

	indices := rand.Perm(n)
	if k < n {
		indices = indices[:k]
	}
	sort.Ints(indices)

	proofs := make([]certify.Proof, 0, len(indices))
	for _, i := range indices {
		p, err := t.Proof(t.leaves[i].ShardID)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, p)
	}
	return proofs, nil
}

// Request assembles the certification request for this tree.
func (t *Tree) Request(subjectID string, sampleSize int) (certify.Request, error) {
	proofs, err := t.SampleProofs(sampleSize)
	if err != nil {
		return certify.Request{}, err
	}
	return certify.Request{
		SubjectID:  subjectID,
		MerkleRoot: t.Root(),
		Proofs:     proofs,
	}, nil
}
