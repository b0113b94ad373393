package x402

// Protocol version constants. X402Version on the wire is always 1 or 2;
// Version is this module's own release version, unrelated to the wire
// protocol it implements.
const (
	Version = "2.0.0"

	ProtocolVersion   = 2
	ProtocolVersionV1 = 1
)
