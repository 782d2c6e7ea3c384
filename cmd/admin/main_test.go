package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/persistence/snapshot"
)

func TestSummarize_GroupsByKind(t *testing.T) {
	doc := &snapshot.Document{
		Cells: map[chamber.Vec3i]chamber.Cell{
			{X: 0}: {Type: "minecraft:tuff_bricks"},
			{X: 1}: {Type: "minecraft:tuff_bricks"},
			{X: 2}: {Type: "minecraft:copper_bulb[lit=true]"},
			{X: 3}: {Type: "minecraft:copper_bulb[lit=false]"},
			{X: 4}: {Type: "minecraft:vault[vault_state=active]", Metadata: map[string]string{"loot_table": "trial_chambers/reward"}},
		},
		Dropped: 2,
	}
	sum := summarize(snapshot.Header{Version: snapshot.Version, Cells: 5}, doc)
	want := []kindCount{
		{Type: "minecraft:copper_bulb", Count: 2},
		{Type: "minecraft:tuff_bricks", Count: 2},
		{Type: "minecraft:vault", Count: 1},
	}
	if diff := cmp.Diff(want, sum.Kinds); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
	if sum.Structured != 1 || sum.Dropped != 2 {
		t.Fatalf("structured=%d dropped=%d", sum.Structured, sum.Dropped)
	}
}
