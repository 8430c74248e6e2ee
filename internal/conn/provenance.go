package conn

// IdentityKeyTCP is the identity key of plain TCP providers.
const IdentityKeyTCP = "TCP"

// Provenance identifies where an acceptor or connector gets its sockets
// from. Two provenances describe the same endpoint when they come from the
// same provider instance, carry the same identity key and name the same host.
type Provenance struct {
	// Provider identifies the transport provider instance, e.g. the local
	// host or one particular SSH session.
	Provider string

	// Key names the transport kind within the provider, e.g. IdentityKeyTCP.
	Key string

	Host       string
	Port       uint16
	Preference ProtocolPreference
}

// Traceable is implemented by acceptor and connector factories that can
// report their provenance.
type Traceable interface {
	Provenance() Provenance
}
