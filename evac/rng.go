package evac

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// === Subsystem Constants ===

const (
	// SubsystemPlanner orders candidate scenarios. Uses the intent seed directly.
	SubsystemPlanner = "planner"

	// SubsystemRobustness draws the injected failures of robustness trials.
	SubsystemRobustness = "robustness"

	// SubsystemEngine drives the stochastic parts of the reference engine.
	SubsystemEngine = "engine"
)

// SubsystemScenario returns the subsystem name used to derive scenario N's seed.
func SubsystemScenario(i int) string {
	return fmt.Sprintf("scenario_%d", i)
}

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
//
// Derivation formula:
//   - For SubsystemPlanner: uses the master seed directly
//   - For all other subsystems: masterSeed XOR fnv1a64(subsystemName)
//
// Thread-safety: NOT thread-safe. Each goroutine must own its PartitionedRNG.
type PartitionedRNG struct {
	seed       int64
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a master seed.
func NewPartitionedRNG(seed int64) *PartitionedRNG {
	return &PartitionedRNG{
		seed:       seed,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same subsystem name always returns the same *rand.Rand instance (cached).
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(p.DeriveSeed(name)))
	p.subsystems[name] = rng
	return rng
}

// DeriveSeed returns the seed ForSubsystem would use for name.
func (p *PartitionedRNG) DeriveSeed(name string) int64 {
	if name == SubsystemPlanner {
		return p.seed
	}
	return p.seed ^ fnv1a64(name)
}

// Seed returns the master seed.
func (p *PartitionedRNG) Seed() int64 {
	return p.seed
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
