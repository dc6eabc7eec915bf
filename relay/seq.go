package relay

// Sequence numbers are interpreted modulo 2^32 (spec.md §3). spec.md §9
// flags wraparound as an open question; SPEC_FULL.md resolves it in
// favor of modular comparison so the duplicate-segment check in the ACK
// handler (spec.md §4.3) stays correct across a wrap.

// seqLE reports whether a <= b in sequence-space, i.e. b-a does not wrap
// around to look negative when read as a signed 32-bit delta.
func seqLE(a, b uint32) bool {
	return int32(a-b) <= 0
}

// seqLT reports whether a < b in sequence-space.
func seqLT(a, b uint32) bool {
	return int32(a-b) < 0
}
