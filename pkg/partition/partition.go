// Package partition splits a stage of work into content-addressed shard
// specifications, and re-partitions hotspot shards into finer-grained
// children at runtime.
package partition

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/loomworks/shardloom/pkg/shard"
)

// Strategy names accepted in a stage spec.
const (
	StrategyBySize  = "by-size"
	StrategyByCount = "by-count"
	StrategyByDepth = "by-dependency-depth"
)

// DefaultSplitFactor is how many children a hotspot shard splits into.
const DefaultSplitFactor = 4

// Error is fatal to the whole stage: when a stage input cannot be
// partitioned, no partial shard set is registered.
type Error struct {
	StageID string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("partition stage %s: %s", e.StageID, e.Reason)
}

func failf(stageID, format string, args ...any) error {
	return &Error{StageID: stageID, Reason: fmt.Sprintf(format, args...)}
}

// Partitioner turns stage specs into shard specs.
type Partitioner struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Partitioner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Partitioner{log: log}
}

// Partition splits the stage's input into shard specs according to its
// strategy. The returned specs are not yet registered anywhere; on any error
// no specs are returned.
func (p *Partitioner) Partition(jobID string, stage shard.StageSpec) ([]shard.Spec, error) {
	var (
		specs []shard.Spec
		err   error
	)
	switch stage.Strategy {
	case StrategyBySize:
		specs, err = p.bySize(jobID, stage)
	case StrategyByCount:
		specs, err = p.byCount(jobID, stage)
	case StrategyByDepth:
		specs, err = p.byDepth(jobID, stage)
	default:
		return nil, failf(stage.ID, "unknown strategy %q", stage.Strategy)
	}
	if err != nil {
		return nil, err
	}

	p.log.Debug("stage partitioned",
		zap.String("job_id", jobID),
		zap.String("stage_id", stage.ID),
		zap.String("strategy", stage.Strategy),
		zap.Int("shards", len(specs)))
	return specs, nil
}

// bySize splits a byte-addressable payload into chunks under max_chunk_bytes.
//
// Two input shapes are supported:
//   - payload_bytes: a contiguous payload; chunks are (offset, length) ranges.
//   - items: a list of {path, bytes} entries, optionally filtered by
//     include/exclude globs, bin-packed so each chunk stays under the cap.
func (p *Partitioner) bySize(jobID string, stage shard.StageSpec) ([]shard.Spec, error) {
	maxChunk, ok := intInput(stage.Inputs, "max_chunk_bytes")
	if !ok || maxChunk <= 0 {
		return nil, failf(stage.ID, "by-size requires a positive max_chunk_bytes")
	}

	if rawItems, present := stage.Inputs["items"]; present {
		items, err := parseItems(stage.ID, rawItems)
		if err != nil {
			return nil, err
		}
		items, err = filterItems(stage.ID, items, stage.Inputs)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, failf(stage.ID, "no items remain after include/exclude filtering")
		}
		return p.packItems(jobID, stage, items, maxChunk)
	}

	total, ok := intInput(stage.Inputs, "payload_bytes")
	if !ok || total <= 0 {
		return nil, failf(stage.ID, "by-size requires payload_bytes or items")
	}

	var specs []shard.Spec
	for offset := int64(0); offset < total; offset += maxChunk {
		length := maxChunk
		if offset+length > total {
			length = total - offset
		}
		spec, err := shard.NewSpec(jobID, stage.ID, stage.Executor, map[string]any{
			"offset": offset,
			"length": length,
		}, nil)
		if err != nil {
			return nil, failf(stage.ID, "address chunk at offset %d: %v", offset, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (p *Partitioner) packItems(jobID string, stage shard.StageSpec, items []workItem, maxChunk int64) ([]shard.Spec, error) {
	var specs []shard.Spec
	var group []any
	var groupBytes int64

	flush := func() error {
		if len(group) == 0 {
			return nil
		}
		spec, err := shard.NewSpec(jobID, stage.ID, stage.Executor, map[string]any{
			"items": group,
		}, nil)
		if err != nil {
			return failf(stage.ID, "address item group: %v", err)
		}
		specs = append(specs, spec)
		group = nil
		groupBytes = 0
		return nil
	}

	for _, it := range items {
		if it.Bytes > maxChunk {
			// A single oversized item gets its own shard; it cannot be split here.
			if err := flush(); err != nil {
				return nil, err
			}
			group = append(group, it.asInput())
			groupBytes = it.Bytes
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		if groupBytes+it.Bytes > maxChunk {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		group = append(group, it.asInput())
		groupBytes += it.Bytes
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return specs, nil
}

// byCount splits an enumerable input into N contiguous groups.
func (p *Partitioner) byCount(jobID string, stage shard.StageSpec) ([]shard.Spec, error) {
	groups, ok := intInput(stage.Inputs, "groups")
	if !ok || groups <= 0 {
		return nil, failf(stage.ID, "by-count requires a positive groups")
	}
	rawItems, present := stage.Inputs["items"]
	if !present {
		return nil, failf(stage.ID, "by-count requires items")
	}
	items, ok := rawItems.([]any)
	if !ok || len(items) == 0 {
		return nil, failf(stage.ID, "by-count items must be a non-empty list")
	}

	n := int(groups)
	if n > len(items) {
		n = len(items)
	}

	var specs []shard.Spec
	per := (len(items) + n - 1) / n
	for start := 0; start < len(items); start += per {
		end := start + per
		if end > len(items) {
			end = len(items)
		}
		spec, err := shard.NewSpec(jobID, stage.ID, stage.Executor, map[string]any{
			"items": items[start:end],
		}, nil)
		if err != nil {
			return nil, failf(stage.ID, "address item group: %v", err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// byDepth splits a DAG-shaped input into one shard per node, with the node's
// dependencies mapped to the shard ids of their nodes. Deeper shards
// therefore depend on shallower ones by construction; a cycle is a partition
// error.
func (p *Partitioner) byDepth(jobID string, stage shard.StageSpec) ([]shard.Spec, error) {
	rawNodes, present := stage.Inputs["nodes"]
	if !present {
		return nil, failf(stage.ID, "by-dependency-depth requires nodes")
	}
	nodesMap, ok := rawNodes.(map[string]any)
	if !ok || len(nodesMap) == 0 {
		return nil, failf(stage.ID, "by-dependency-depth nodes must be a non-empty map")
	}

	type node struct {
		name   string
		deps   []string
		inputs map[string]any
	}
	nodes := make(map[string]*node, len(nodesMap))
	for name, raw := range nodesMap {
		n := &node{name: name, inputs: map[string]any{"node": name}}
		if m, ok := raw.(map[string]any); ok {
			for k, v := range m {
				if k == "deps" {
					depList, ok := v.([]any)
					if !ok {
						return nil, failf(stage.ID, "node %s: deps must be a list", name)
					}
					for _, d := range depList {
						dep, ok := d.(string)
						if !ok {
							return nil, failf(stage.ID, "node %s: dep names must be strings", name)
						}
						n.deps = append(n.deps, dep)
					}
					continue
				}
				n.inputs[k] = v
			}
		}
		nodes[name] = n
	}
	for _, n := range nodes {
		for _, dep := range n.deps {
			if _, ok := nodes[dep]; !ok {
				return nil, failf(stage.ID, "node %s depends on unknown node %s", n.name, dep)
			}
		}
	}

	// Topological layering; also the cycle check.
	depth := make(map[string]int, len(nodes))
	var visit func(name string, trail map[string]bool) (int, error)
	visit = func(name string, trail map[string]bool) (int, error) {
		if d, ok := depth[name]; ok {
			return d, nil
		}
		if trail[name] {
			return 0, failf(stage.ID, "dependency cycle through node %s", name)
		}
		trail[name] = true
		defer delete(trail, name)

		d := 0
		for _, dep := range nodes[name].deps {
			dd, err := visit(dep, trail)
			if err != nil {
				return 0, err
			}
			if dd+1 > d {
				d = dd + 1
			}
		}
		depth[name] = d
		return d, nil
	}

	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := visit(name, map[string]bool{}); err != nil {
			return nil, err
		}
	}

	// Address shallow nodes first so dependency shard ids exist when deeper
	// nodes are addressed.
	sort.Slice(names, func(i, j int) bool {
		if depth[names[i]] != depth[names[j]] {
			return depth[names[i]] < depth[names[j]]
		}
		return names[i] < names[j]
	})

	shardIDs := make(map[string]string, len(nodes))
	var specs []shard.Spec
	for _, name := range names {
		n := nodes[name]
		deps := make([]string, 0, len(n.deps))
		for _, dep := range n.deps {
			deps = append(deps, shardIDs[dep])
		}
		spec, err := shard.NewSpec(jobID, stage.ID, stage.Executor, n.inputs, deps)
		if err != nil {
			return nil, failf(stage.ID, "address node %s: %v", name, err)
		}
		shardIDs[name] = spec.ID
		specs = append(specs, spec)
	}
	return specs, nil
}

// Split synthesizes child shard specs covering the parent's logical work at
// finer granularity. Children inherit the parent's dependency set; any
// partial output of the parent is discarded.
//
// Only shards whose inputs are divisible can split: contiguous (offset,
// length) ranges and item groups. Everything else returns an error and the
// parent keeps running as-is.
func (p *Partitioner) Split(parent *shard.Shard, factor int) ([]shard.Spec, error) {
	if factor <= 1 {
		factor = DefaultSplitFactor
	}

	if offset, ok := intInput(parent.Inputs, "offset"); ok {
		length, ok := intInput(parent.Inputs, "length")
		if !ok || length <= 1 {
			return nil, fmt.Errorf("shard %s range is too small to split", parent.ID)
		}
		per := (length + int64(factor) - 1) / int64(factor)
		var specs []shard.Spec
		for off := offset; off < offset+length; off += per {
			l := per
			if off+l > offset+length {
				l = offset + length - off
			}
			spec, err := shard.NewSpec(parent.JobID, parent.StageID, parent.Executor, map[string]any{
				"offset": off,
				"length": l,
			}, parent.Dependencies)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		return specs, nil
	}

	if rawItems, ok := parent.Inputs["items"]; ok {
		items, ok := rawItems.([]any)
		if !ok || len(items) < 2 {
			return nil, fmt.Errorf("shard %s item group is too small to split", parent.ID)
		}
		n := factor
		if n > len(items) {
			n = len(items)
		}
		per := (len(items) + n - 1) / n
		var specs []shard.Spec
		for start := 0; start < len(items); start += per {
			end := start + per
			if end > len(items) {
				end = len(items)
			}
			spec, err := shard.NewSpec(parent.JobID, parent.StageID, parent.Executor, map[string]any{
				"items": items[start:end],
			}, parent.Dependencies)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		return specs, nil
	}

	return nil, fmt.Errorf("shard %s inputs are not divisible", parent.ID)
}

type workItem struct {
	Path  string
	Bytes int64
}

func (it workItem) asInput() map[string]any {
	return map[string]any{"path": it.Path, "bytes": it.Bytes}
}

func parseItems(stageID string, raw any) ([]workItem, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, failf(stageID, "items must be a list")
	}
	out := make([]workItem, 0, len(list))
	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, failf(stageID, "item %d must be a map with path and bytes", i)
		}
		path, _ := m["path"].(string)
		if path == "" {
			return nil, failf(stageID, "item %d is missing a path", i)
		}
		bytes, ok := intValue(m["bytes"])
		if !ok || bytes < 0 {
			return nil, failf(stageID, "item %d has invalid bytes", i)
		}
		out = append(out, workItem{Path: path, Bytes: bytes})
	}
	return out, nil
}

func filterItems(stageID string, items []workItem, inputs map[string]any) ([]workItem, error) {
	includes, err := globList(stageID, inputs, "include")
	if err != nil {
		return nil, err
	}
	excludes, err := globList(stageID, inputs, "exclude")
	if err != nil {
		return nil, err
	}
	if len(includes) == 0 && len(excludes) == 0 {
		return items, nil
	}

	var out []workItem
	for _, it := range items {
		if len(includes) > 0 && !matchAny(includes, it.Path) {
			continue
		}
		if matchAny(excludes, it.Path) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func globList(stageID string, inputs map[string]any, key string) ([]string, error) {
	raw, present := inputs[key]
	if !present {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, failf(stageID, "%s must be a list of glob patterns", key)
	}
	out := make([]string, 0, len(list))
	for _, entry := range list {
		pattern, ok := entry.(string)
		if !ok {
			return nil, failf(stageID, "%s patterns must be strings", key)
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, failf(stageID, "invalid %s pattern %q", key, pattern)
		}
		out = append(out, pattern)
	}
	return out, nil
}

func matchAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

func intInput(inputs map[string]any, key string) (int64, bool) {
	if inputs == nil {
		return 0, false
	}
	return intValue(inputs[key])
}

// intValue normalizes the numeric types produced by YAML and JSON decoding.
func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
