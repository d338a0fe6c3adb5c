// Package evac provides the core types of the evacuation planning pipeline.
//
// # Reading Guide
//
// Start with these files to understand the pipeline vocabulary:
//   - types.go: UserIntent, ScenarioConfig, SimulationMetrics, ScenarioResult and the
//     closed status sets (ScenarioStatus, RunState)
//   - errors.go: the error taxonomy shared by every stage
//   - config.go: the YAML run configuration and its validation
//
// # Architecture
//
// The evac package defines data types only; the stages live in sub-packages:
//   - evac/metrics/: pure metrics engine over time-series and event records
//   - evac/engine/: graph provider and simulation engine contracts, plus reference implementations
//   - evac/worker/: single-scenario execution, retry policy and the bounded worker pool
//   - evac/queue/: the simulation request queue (single-owner actor)
//   - evac/planner/: scenario generation under constraints
//   - evac/judge/: multi-objective ranking
//   - evac/explain/: retrieval-grounded justification with abstention
//   - evac/memo/: decision memo assembly and provenance
//   - evac/coordinator/: run state machine, fan-out and the ordered event stream
//   - evac/storage/: artifact stores (memory, filesystem, redis)
//   - evac/trace/: run trace recording
//   - evac/telemetry/: prometheus collectors
//   - evac/bridge/: NATS transport for external triggers and run events
//
// Control flow for one run:
//
//	coordinator -> planner -> worker pool (N concurrent) -> judge -> explain -> memo
package evac
