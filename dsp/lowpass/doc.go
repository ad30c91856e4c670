// Package lowpass provides the single-pole exponential low-pass runtime a
// lock-in measurement uses to reject the 2ω mixing product and out-of-band
// noise from raw I/Q streams.
//
// A [Pole] implements one exponential smoothing stage. Multiple poles are
// cascaded via [Cascade] for steeper roll-off; each pole is independently
// stable for any time constant τ > 0 and any positive sample interval, so
// cascading never amplifies or overshoots.
//
// Filter memory is only ever cleared by an explicit Reset, never implicitly.
package lowpass
