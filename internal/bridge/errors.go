package bridge

import "errors"

var (
	// ErrChannelClosed is returned when a message cannot be delivered because
	// no peer is attached or the peer is being torn down.
	ErrChannelClosed = errors.New("bridge: channel closed")

	// ErrContractBusy is returned to a peer attaching while another peer
	// holds the contract.
	ErrContractBusy = errors.New("bridge: contract busy")

	// ErrContractMismatch is returned when a peer attaches under a contract
	// name this bridge does not serve.
	ErrContractMismatch = errors.New("bridge: contract mismatch")

	// ErrUnsupportedVersion is returned for a message with an unknown
	// envelope version.
	ErrUnsupportedVersion = errors.New("bridge: unsupported protocol version")

	// ErrProtocol is returned for a malformed or unexpected message.
	ErrProtocol = errors.New("bridge: protocol error")

	// ErrQueueFull is returned when a peer's outbound queue is full and the
	// message was dropped.
	ErrQueueFull = errors.New("bridge: outbound queue full")
)
