// Package pipeline provides orchestration for the transient search pipeline.
//
// It wires together stages from L1-L6 and adapter sinks (persistence,
// alerting) into a coherent processing flow for both real-time and
// data-driven use cases. The pipeline does not own domain logic — it
// delegates to layer packages and adapters.
//
// This package is the composition root: it imports from layer packages
// (l1segments, l2condition, l3psd, l4filter, l5triggers, l6coinc) and
// storage, but none of those packages import pipeline/.
package pipeline
