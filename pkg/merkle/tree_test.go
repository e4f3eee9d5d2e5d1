package merkle

import (
	"context"
	"fmt"
	"math"
	"testing"

	"pgregory.net/rapid"

	"github.com/loomworks/shardloom/pkg/certify"
)

func testLeaves(n int) []Leaf {
	leaves := make([]Leaf, 0, n)
	for i := 0; i < n; i++ {
		leaves = append(leaves, Leaf{
			ShardID:      fmt.Sprintf("%016x", i),
			Executor:     "pack_backend",
			InputHash:    fmt.Sprintf("in-%d", i),
			OutputDigest: fmt.Sprintf("out-%d", i),
			Attempt:      1,
		})
	}
	return leaves
}

func TestBuild_DeterministicRoot(t *testing.T) {
	leaves := testLeaves(7)
	a := Build(leaves).Root()

	// Reversed input order must not change the root.
	reversed := make([]Leaf, len(leaves))
	for i, l := range leaves {
		reversed[len(leaves)-1-i] = l
	}
	b := Build(reversed).Root()

	if a != b {
		t.Fatalf("root depends on input order: %s vs %s", a, b)
	}
}

func TestBuild_RootChangesWithContent(t *testing.T) {
	leaves := testLeaves(4)
	base := Build(leaves).Root()

	corrupted := append([]Leaf(nil), leaves...)
	corrupted[2].OutputDigest = "tampered"
	if Build(corrupted).Root() == base {
		t.Fatal("corrupted leaf did not change the root")
	}
}

func TestBuild_EmptyAndSingle(t *testing.T) {
	if Build(nil).Root() != EmptyRoot() {
		t.Fatal("empty tree root mismatch")
	}

	single := testLeaves(1)
	tree := Build(single)
	if tree.Root() != single[0].Hash() {
		t.Fatal("single-leaf root must equal the leaf hash")
	}
}

func TestProof_VerifiesForEveryLeaf(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 8, 13} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			tree := Build(testLeaves(n))
			for _, leaf := range tree.Leaves() {
				p, err := tree.Proof(leaf.ShardID)
				if err != nil {
					t.Fatalf("Proof(%s) error: %v", leaf.ShardID, err)
				}
				if !VerifyProof(p) {
					t.Fatalf("proof for %s does not verify", leaf.ShardID)
				}
				if p.RootHash != tree.Root() {
					t.Fatalf("proof root mismatch for %s", leaf.ShardID)
				}
			}
		})
	}
}

func TestProof_TamperedLeafFails(t *testing.T) {
	tree := Build(testLeaves(8))
	p, err := tree.Proof(tree.Leaves()[3].ShardID)
	if err != nil {
		t.Fatalf("Proof() error: %v", err)
	}
	p.LeafHash = Leaf{ShardID: p.LeafShardID, OutputDigest: "tampered"}.Hash()
	if VerifyProof(p) {
		t.Fatal("tampered proof verified")
	}
}

func TestSampleProofs_CapsAtLeafCount(t *testing.T) {
	tree := Build(testLeaves(5))
	proofs, err := tree.SampleProofs(100)
	if err != nil {
		t.Fatalf("SampleProofs() error: %v", err)
	}
	if len(proofs) != 5 {
		t.Fatalf("expected 5 proofs, got %d", len(proofs))
	}
	for _, p := range proofs {
		if !VerifyProof(p) {
			t.Fatalf("sampled proof for %s does not verify", p.LeafShardID)
		}
	}
}

func TestProofs_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 64).Draw(t, "n")
		leaves := testLeaves(n)
		tree := Build(leaves)

		idx := rapid.IntRange(0, n-1).Draw(t, "idx")
		p, err := tree.Proof(leaves[idx].ShardID)
		if err != nil {
			t.Fatalf("Proof() error: %v", err)
		}
		if !VerifyProof(p) {
			t.Fatalf("proof failed for leaf %d of %d", idx, n)
		}
	})
}

// corruptionAwareCertifier rejects any root computed over the corrupted leaf.
type corruptionAwareCertifier struct {
	badShardID string
	trees      map[string][]Leaf
	rounds     int
}

func (c *corruptionAwareCertifier) Certify(_ context.Context, req certify.Request) (*certify.Certificate, error) {
	c.rounds++
	for _, p := range req.Proofs {
		if p.LeafShardID == c.badShardID {
			return &certify.Certificate{Certified: false, Reason: "digest mismatch"}, nil
		}
	}
	return &certify.Certificate{Certified: true, CertificateID: "ok"}, nil
}

func TestBisector_NarrowsToCorruptedLeaf(t *testing.T) {
	for _, n := range []int{2, 5, 16, 33} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			leaves := testLeaves(n)
			bad := leaves[n/2].ShardID
			cert := &corruptionAwareCertifier{badShardID: bad}

			// Sample every leaf so the authority always sees the corrupted one.
			b := NewBisector(cert, n, nil)
			failing, rounds, err := b.Localize(context.Background(), "stage-pack", leaves)
			if err != nil {
				t.Fatalf("Localize() error: %v", err)
			}
			if len(failing) != 1 || failing[0] != bad {
				t.Fatalf("expected [%s], got %v", bad, failing)
			}

			// Each narrowing level certifies both halves; depth is ceil(log2 n).
			maxRounds := 2 * int(math.Ceil(math.Log2(float64(n))))
			if rounds > maxRounds {
				t.Fatalf("bisection used %d rounds, budget %d", rounds, maxRounds)
			}
		})
	}
}

func TestBisector_RequiresLeaves(t *testing.T) {
	b := NewBisector(certify.Func(func(context.Context, certify.Request) (*certify.Certificate, error) {
		return &certify.Certificate{Certified: true}, nil
	}), 0, nil)
	if _, _, err := b.Localize(context.Background(), "s", nil); err == nil {
		t.Fatal("expected error for empty leaf set")
	}
}
