package shard

import (
	"testing"

	"pgregory.net/rapid"
)

func TestID_Deterministic(t *testing.T) {
	inputs := map[string]any{"path": "assets/img", "bytes": float64(4096)}
	deps := []string{"b2", "a1"}

	first, err := ID("pack", "pack_backend", inputs, deps)
	if err != nil {
		t.Fatalf("ID() error: %v", err)
	}
	second, err := ID("pack", "pack_backend", map[string]any{"bytes": float64(4096), "path": "assets/img"}, []string{"a1", "b2"})
	if err != nil {
		t.Fatalf("ID() error: %v", err)
	}
	if first != second {
		t.Fatalf("id not stable across map/dep ordering: %q vs %q", first, second)
	}
	if len(first) != IDLength {
		t.Fatalf("unexpected id length: %d", len(first))
	}
}

func TestID_DistinguishesContent(t *testing.T) {
	base, err := ID("pack", "pack_backend", map[string]any{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("ID() error: %v", err)
	}

	cases := []struct {
		name     string
		stage    string
		executor string
		inputs   map[string]any
		deps     []string
	}{
		{"stage", "migrate", "pack_backend", map[string]any{"k": "v"}, nil},
		{"executor", "pack", "sql_migrate", map[string]any{"k": "v"}, nil},
		{"inputs", "pack", "pack_backend", map[string]any{"k": "w"}, nil},
		{"deps", "pack", "pack_backend", map[string]any{"k": "v"}, []string{"d1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ID(tc.stage, tc.executor, tc.inputs, tc.deps)
			if err != nil {
				t.Fatalf("ID() error: %v", err)
			}
			if got == base {
				t.Fatalf("expected distinct id for changed %s", tc.name)
			}
		})
	}
}

func TestID_RequiresStageAndExecutor(t *testing.T) {
	if _, err := ID("", "pack_backend", nil, nil); err == nil {
		t.Fatal("expected error for empty stage id")
	}
	if _, err := ID("pack", "", nil, nil); err == nil {
		t.Fatal("expected error for empty executor")
	}
}

func TestID_PropertyStableUnderPermutation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stage := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "stage")
		executor := rapid.StringMatching(`[a-z_]{1,12}`).Draw(t, "executor")
		keys := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,6}`), 0, 6, rapid.ID[string]).Draw(t, "keys")
		inputs := map[string]any{}
		for _, k := range keys {
			inputs[k] = rapid.String().Draw(t, "val-"+k)
		}
		deps := rapid.SliceOfN(rapid.StringMatching(`[0-9a-f]{16}`), 0, 5).Draw(t, "deps")

		want, err := ID(stage, executor, inputs, deps)
		if err != nil {
			t.Fatalf("ID() error: %v", err)
		}

		// Shuffle dependency order; the address must not move.
		perm := rapid.Permutation(deps).Draw(t, "perm")
		got, err := ID(stage, executor, inputs, perm)
		if err != nil {
			t.Fatalf("ID() error: %v", err)
		}
		if got != want {
			t.Fatalf("id changed under dep permutation: %q vs %q", got, want)
		}
	})
}

func TestNewSpec_SortsDependencies(t *testing.T) {
	spec, err := NewSpec("job-1", "pack", "pack_backend", nil, []string{"zz", "aa"})
	if err != nil {
		t.Fatalf("NewSpec() error: %v", err)
	}
	if spec.Dependencies[0] != "aa" || spec.Dependencies[1] != "zz" {
		t.Fatalf("dependencies not sorted: %v", spec.Dependencies)
	}
	if spec.ID == "" {
		t.Fatal("spec id not populated")
	}
}
