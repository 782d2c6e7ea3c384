package blocks

import "strings"

// Mechanisms whose captured sub-state must not be replayed verbatim, with the property and
// idle value they are rewritten to.
var mechanismIdle = map[string]Prop{
	"minecraft:trial_spawner": {Key: "trial_spawner_state", Value: "waiting_for_players"},
	"minecraft:vault":         {Key: "vault_state", Value: "active"},
}

var structuredKinds = map[string]bool{
	"minecraft:chest":         true,
	"minecraft:trapped_chest": true,
	"minecraft:barrel":        true,
	"minecraft:dispenser":     true,
	"minecraft:dropper":       true,
	"minecraft:hopper":        true,
	"minecraft:decorated_pot": true,
	"minecraft:trial_spawner": true,
	"minecraft:vault":         true,
}

var passableKinds = map[string]bool{
	"minecraft:air":         true,
	"minecraft:cave_air":    true,
	"minecraft:void_air":    true,
	"minecraft:light":       true,
	"minecraft:torch":       true,
	"minecraft:wall_torch":  true,
	"minecraft:short_grass": true,
	"minecraft:tall_grass":  true,
	"minecraft:fern":        true,
	"minecraft:snow":        true,
}

var hazardKinds = map[string]bool{
	"minecraft:lava":              true,
	"minecraft:water":             true,
	"minecraft:fire":              true,
	"minecraft:soul_fire":         true,
	"minecraft:magma_block":       true,
	"minecraft:cactus":            true,
	"minecraft:sweet_berry_bush":  true,
	"minecraft:powder_snow":       true,
	"minecraft:cobweb":            true,
	"minecraft:pointed_dripstone": true,
}

// IsStructured reports whether cells of this kind carry a metadata blob worth capturing.
func IsStructured(kind string) bool {
	if structuredKinds[kind] {
		return true
	}
	return strings.HasSuffix(kind, "shulker_box") || strings.HasSuffix(kind, "_sign")
}

// IsMechanism reports whether the kind has a sub-state that Normalize rewrites.
func IsMechanism(kind string) bool {
	_, ok := mechanismIdle[kind]
	return ok
}

// Normalize resets multi-state mechanisms to their idle sub-state. Other states are returned
// unchanged.
func Normalize(s State) State {
	idle, ok := mechanismIdle[s.Kind]
	if !ok {
		return s
	}
	return s.With(idle.Key, idle.Value)
}

func IsPassable(kind string) bool {
	if passableKinds[kind] {
		return true
	}
	return strings.HasSuffix(kind, "_sign") || strings.HasSuffix(kind, "_carpet") || strings.HasSuffix(kind, "_button")
}

func IsHazard(kind string) bool { return hazardKinds[kind] }

// SafeFloor reports whether an occupant can stand on top of this kind.
func SafeFloor(kind string) bool {
	return !IsPassable(kind) && !IsHazard(kind)
}

// SafeBody reports whether an occupant's body can occupy a cell of this kind.
func SafeBody(kind string) bool {
	return IsPassable(kind) && !IsHazard(kind)
}
