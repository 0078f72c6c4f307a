package discovery

import "errors"

// Error kinds funneled to ChainDiscovery's error event (see spec §7).
//
// Each is a sentinel wrapped with fmt.Errorf("...: %w", Err...) at the
// call site so callers can errors.Is against the kind while still
// getting a specific message.
var (
	// ErrDerivation marks a failure from an AddressSource: the worker
	// was unreachable, the wire protocol was violated, or a reply was
	// malformed. Fatal to the current discovery.
	ErrDerivation = errors.New("discovery: address derivation failed")

	// ErrBackend marks a failure from a Blockchain call. Fatal to the
	// current discovery.
	ErrBackend = errors.New("discovery: blockchain backend failed")

	// ErrProtocol marks a WorkerChannel FIFO invariant violation: a
	// reply arrived with no pending request. The channel must be
	// closed after this.
	ErrProtocol = errors.New("discovery: worker channel protocol violated")

	// ErrSerialization marks restore() being fed inconsistent blobs:
	// an index in history.list with no matching database entry, or a
	// database index out of range. Recoverable by discarding the
	// blobs and starting cold.
	ErrSerialization = errors.New("discovery: persisted state is inconsistent")

	// ErrChannelClosed is returned by WorkerChannel.Post after Close.
	ErrChannelClosed = errors.New("discovery: worker channel is closed")

	// ErrEmptyRange is returned when an AddressSource is asked to
	// derive a range with last < first.
	ErrEmptyRange = errors.New("discovery: address range must be non-empty")
)
