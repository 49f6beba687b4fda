// Package l1segments assembles raw per-detector strain samples into
// fixed-increment analysis segments with a look-back pad for filter settling.
//
// This is the lowest layer of the search pipeline. It owns the analysis
// clock: every completed segment advances the detector's current analysis
// time by exactly one increment, whether or not real data arrived. Gaps in
// the source stream and read timeouts produce zero-filled segments marked
// gapped so downstream stages skip filtering but still advance.
package l1segments
