// Package sqlite persists search pipeline outputs: triggers, PSD snapshots,
// coincidence events, the background ensemble, and the alert watermark.
//
// The stores are adapters over database/sql, not domain layers: layer
// packages (l1-l6) never import them; the pipeline composition root wires
// them in as sinks.
package sqlite
