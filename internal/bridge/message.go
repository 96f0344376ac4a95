package bridge

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is the envelope version spoken by this package.
const ProtocolVersion = 1

// Message types.
const (
	TypeAttach   = "attach"
	TypeAttached = "attached"
	TypeReject   = "reject"
	TypeValues   = "values"
)

// Reject reasons carried in Message.Reason.
const (
	ReasonContractBusy       = "contract_busy"
	ReasonContractMismatch   = "contract_mismatch"
	ReasonUnsupportedVersion = "unsupported_version"
	ReasonProtocol           = "protocol"
)

// Message is the envelope exchanged between the bridge and its peer.
//
// In a values message each key maps to either a scalar (a set) or nil (a
// get). Replies and broadcasts only ever carry scalars.
type Message struct {
	Version  int            `cbor:"v"`
	Type     string         `cbor:"type"`
	Contract string         `cbor:"contract,omitempty"`
	Peer     string         `cbor:"peer,omitempty"`
	Reason   string         `cbor:"reason,omitempty"`
	Values   map[string]any `cbor:"values,omitempty"`
}

// maxMapPairs bounds the number of keys a single message may carry.
const maxMapPairs = 4096

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: sorted keys, shortest floats. The same
	// batch always produces the same bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Values decoded into any must land in map[string]any, not the
		// CBOR default map[interface{}]interface{}.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxMapPairs:     maxMapPairs,
		MaxNestedLevels: 8,
	}.DecMode()
	if err != nil {
		panic("bridge: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshal(m *Message) ([]byte, error) {
	return encMode.Marshal(m)
}

func unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if err := m.check(); err != nil {
		return nil, err
	}
	return &m, nil
}

// check validates the envelope version and type.
func (m *Message) check() error {
	if m.Version != ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}
	switch m.Type {
	case TypeAttach, TypeAttached, TypeReject, TypeValues:
		return nil
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrProtocol, m.Type)
	}
}

func attachMessage(contract string) *Message {
	return &Message{Version: ProtocolVersion, Type: TypeAttach, Contract: contract}
}

func attachedMessage(contract, peerID string) *Message {
	return &Message{Version: ProtocolVersion, Type: TypeAttached, Contract: contract, Peer: peerID}
}

func rejectMessage(reason string) *Message {
	return &Message{Version: ProtocolVersion, Type: TypeReject, Reason: reason}
}

func valuesMessage(values map[string]any) *Message {
	return &Message{Version: ProtocolVersion, Type: TypeValues, Values: values}
}

// rejectReason maps an attach failure to the reason sent on the wire.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrContractBusy):
		return ReasonContractBusy
	case errors.Is(err, ErrContractMismatch):
		return ReasonContractMismatch
	case errors.Is(err, ErrUnsupportedVersion):
		return ReasonUnsupportedVersion
	default:
		return ReasonProtocol
	}
}

// rejectError is the inverse of rejectReason, used by the client.
func rejectError(reason string) error {
	switch reason {
	case ReasonContractBusy:
		return ErrContractBusy
	case ReasonContractMismatch:
		return ErrContractMismatch
	case ReasonUnsupportedVersion:
		return ErrUnsupportedVersion
	default:
		return fmt.Errorf("%w: rejected (%s)", ErrProtocol, reason)
	}
}
