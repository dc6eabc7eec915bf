package relay

// ProtectFunc exempts a real outbound socket from being routed back
// through the virtual interface (spec.md §6, GLOSSARY "Protect"). It
// must be called on every upstream socket before connect. Modeled as an
// injected function rather than a hard-coded platform service (spec.md
// §9, "Protect capability").
type ProtectFunc func(fd int) error

// NoProtect is a ProtectFunc that does nothing, for environments (tests,
// platforms without a VPN routing table) where no protection is needed.
func NoProtect(fd int) error {
	return nil
}
