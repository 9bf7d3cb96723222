// Package secagg implements pairwise additive masking with threshold
// dropout recovery for federated update aggregation.
//
// Each participant generates a fresh P-256 exchange key per round and derives
// one shared secret per peer. From every pair secret both ends expand the
// same pseudorandom mask; the lexicographically lower participant adds it to
// its update, the higher one subtracts it, so all masks cancel in the sum of
// all updates while every individual update stays hidden.
//
// To survive dropouts, each participant threshold-shares its exchange key
// scalar across the cohort. When a participant goes missing after masks were
// committed, the coordinator collects a threshold of those shares, rebuilds
// the scalar, re-derives the missing participant's pair secrets against the
// survivors, and cancels the stranded masks.
//
// This package is transport-agnostic; round sequencing and wire formats live
// in the protocol package.
package secagg
