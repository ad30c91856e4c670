// Package lockin implements the acquisition-and-demodulation engine of a
// software lock-in amplifier.
//
// An [Engine] pulls sample blocks from a [scope.Source], demodulates them
// against a phase-continuous quadrature reference, low-pass filters the I/Q
// stream, and emits one [Measurement] per output tick to a [Sink], in
// strictly increasing timestamp order.
//
// A run moves through Idle → Running → Stopped, with a terminal Failed state
// on unrecoverable source errors. Recoverable conditions (block timeouts,
// acquisition overflows) skip the corresponding output tick and leave the
// filter state untouched; they are counted and logged, never thrown across
// the run boundary.
//
// Phase convention: an input A·cos(ωt + φ₀ + θ), where φ₀ is the configured
// reference phase offset, is reported as amplitude A and phase θ.
package lockin
