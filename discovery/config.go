package discovery

// Config bundles the tunables a ChainDiscovery needs beyond its
// collaborators, one doc-commented field per line.
type Config struct {
	// ChunkSize is the conventional number of addresses per chunk.
	// ChainDiscovery does not read it: a Chain's chunk size is the one
	// passed to NewChain.
	ChunkSize AddressIndex

	// GapLength is the number of trailing unused addresses required
	// before discovery is considered complete (BIP44 gap limit).
	GapLength AddressIndex
}

// NewDefaultConfig returns the BIP44-conventional defaults: 20 address
// chunks, 20-address gap limit.
func NewDefaultConfig() *Config {
	return &Config{
		ChunkSize: DefaultChunkSize,
		GapLength: DefaultGapLength,
	}
}

// DefaultGapLength is the BIP44-conventional trailing-unused-address
// gap limit.
const DefaultGapLength = 20
