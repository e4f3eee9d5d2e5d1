package merkle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomworks/shardloom/pkg/certify"
)

// Bisector localizes corrupted leaves after a negative certification verdict.
//
// It recomputes sub-roots for the left and right halves of the leaf range,
// submits each half for certification independently, and narrows recursively
// until the failing leaves are identified. Recovering from a single bad
// result therefore costs O(log n) re-certifications, not a full job retry.
type Bisector struct {
	certifier  certify.Certifier
	sampleSize int
	log        *zap.Logger
}

// NewBisector creates a bisector. A nil logger is replaced with a no-op one.
func NewBisector(certifier certify.Certifier, sampleSize int, log *zap.Logger) *Bisector {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bisector{certifier: certifier, sampleSize: sampleSize, log: log}
}

// Localize narrows a failed certification to the responsible shard ids.
//
// Call it only after the full root was rejected: the leaves are assumed to
// contain at least one corrupted entry. Returns the failing shard ids and the
// number of certification rounds spent.
func (b *Bisector) Localize(ctx context.Context, subjectID string, leaves []Leaf) ([]string, int, error) {
	if len(leaves) == 0 {
		return nil, 0, fmt.Errorf("bisection requires at least one leaf")
	}

	tree := Build(leaves)
	ordered := tree.Leaves()

	var failing []string
	rounds := 0

	var narrow func(segment []Leaf, depth int) error
	narrow = func(segment []Leaf, depth int) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(segment) == 1 {
			failing = append(failing, segment[0].ShardID)
			b.log.Debug("bisection narrowed to leaf",
				zap.String("subject", subjectID),
				zap.String("shard", segment[0].ShardID),
				zap.Int("depth", depth))
			return nil
		}

		mid := len(segment) / 2
		for _, half := range [][]Leaf{segment[:mid], segment[mid:]} {
			sub := Build(half)
			req, err := sub.Request(fmt.Sprintf("%s/bisect-%d", subjectID, depth), b.sampleSize)
			if err != nil {
				return err
			}
			rounds++
			verdict, err := b.certifier.Certify(ctx, req)
			if err != nil {
				return fmt.Errorf("bisection certify: %w", err)
			}
			if !verdict.Certified {
				if err := narrow(half, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := narrow(ordered, 0); err != nil {
		return nil, rounds, err
	}
	if len(failing) == 0 {
		// The authority rejected the full root but accepted both halves.
		// Nothing to replay; surface it so the caller can re-certify.
		return nil, rounds, fmt.Errorf("bisection found no failing leaf for %s", subjectID)
	}
	return failing, rounds, nil
}
