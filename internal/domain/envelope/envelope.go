// Package envelope implements the cross-chain wire codec.
//
// Message layout:
//
//	[version(1) | command(1) | nonce(8,LE) | timestamp(8,LE) | payload_len(4,LE) | payload]
//
// Decoding is fail-closed: no field is surfaced unless the whole envelope parses.
package envelope

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Version is the single supported wire version.
const Version uint8 = 1

// HeaderSize is the fixed envelope header length in bytes.
const HeaderSize = 22

// MaxMessageSize caps a whole encoded message.
const MaxMessageSize = 65536

// composeMarker prefixes compose-style messages on the shared channel.
const composeMarker byte = 0xFF

// Command identifies the typed operation carried by an envelope.
type Command uint8

const (
	CmdUpdateCollectionMetadata Command = 0
	CmdBatchUpdateMetadata      Command = 1
	CmdTransferAuthority        Command = 2
	CmdSetPaused                Command = 3
	CmdMintItems                Command = 4
	CmdBurnItems                Command = 5
	CmdTransferItems            Command = 6
	CmdUpdateTreeConfig         Command = 7
	CmdVerifyTreeState          Command = 8
)

var commandNames = map[Command]string{
	CmdUpdateCollectionMetadata: "update_collection_metadata",
	CmdBatchUpdateMetadata:      "batch_update_metadata",
	CmdTransferAuthority:        "transfer_authority",
	CmdSetPaused:                "set_paused",
	CmdMintItems:                "mint_items",
	CmdBurnItems:                "burn_items",
	CmdTransferItems:            "transfer_items",
	CmdUpdateTreeConfig:         "update_tree_config",
	CmdVerifyTreeState:          "verify_tree_state",
}

// String returns the stable lowercase command name.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// Valid reports whether the tag is a known command.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

var (
	ErrMalformedEnvelope   = errors.New("malformed envelope")
	ErrUnsupportedVersion  = errors.New("unsupported envelope version")
	ErrMessageTooLarge     = errors.New("message exceeds size limit")
	ErrMalformedPayload    = errors.New("malformed command payload")
	ErrComposeNotSupported = errors.New("compose messages are not supported")
)

// Address is a 32-byte account identifier. Remote 20-byte addresses
// arrive left-padded to 32.
type Address [32]byte

// ZeroAddress is the all-zero address.
var ZeroAddress Address

// String renders the address as lowercase hex.
func (a Address) String() string { return hex.EncodeToString(a[:]) }

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(a[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid address hex: %w", err)
	}
	if len(raw) != len(a) {
		return fmt.Errorf("invalid address length: %d", len(raw))
	}
	copy(a[:], raw)
	return nil
}

// AddressFromHex parses a 64-character hex address.
func AddressFromHex(s string) (Address, error) {
	var a Address
	if err := a.UnmarshalText([]byte(s)); err != nil {
		return Address{}, err
	}
	return a, nil
}

// IsZero reports whether the address is all zeroes.
func (a Address) IsZero() bool { return a == ZeroAddress }

// MessageType distinguishes regular envelopes from compose messages.
type MessageType uint8

const (
	TypeRegular MessageType = 0
	TypeCompose MessageType = 1
)

// SniffType inspects raw bytes for the compose marker without decoding.
func SniffType(data []byte) (MessageType, error) {
	if len(data) == 0 {
		return TypeRegular, ErrMalformedEnvelope
	}
	if len(data) >= 2 && data[0] == composeMarker {
		return TypeCompose, nil
	}
	return TypeRegular, nil
}

// Envelope is the decoded wire message.
type Envelope struct {
	Version   uint8
	Command   Command
	Nonce     uint64
	Timestamp int64
	Payload   []byte
}

// Encode serializes one envelope at the supported version.
func Encode(command Command, nonce uint64, timestamp int64, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	out[0] = Version
	out[1] = uint8(command)
	binary.LittleEndian.PutUint64(out[2:10], nonce)
	binary.LittleEndian.PutUint64(out[10:18], uint64(timestamp))
	binary.LittleEndian.PutUint32(out[18:22], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// Decode parses raw bytes into an Envelope. It never returns a partially
// populated envelope alongside an error.
func Decode(data []byte) (Envelope, error) {
	if len(data) > MaxMessageSize {
		return Envelope{}, ErrMessageTooLarge
	}
	if len(data) < HeaderSize {
		return Envelope{}, ErrMalformedEnvelope
	}
	version := data[0]
	if version != Version {
		return Envelope{}, ErrUnsupportedVersion
	}
	payloadLen := int(binary.LittleEndian.Uint32(data[18:22]))
	if len(data) < HeaderSize+payloadLen {
		return Envelope{}, ErrMalformedEnvelope
	}
	payload := make([]byte, payloadLen)
	copy(payload, data[HeaderSize:HeaderSize+payloadLen])
	return Envelope{
		Version:   version,
		Command:   Command(data[1]),
		Nonce:     binary.LittleEndian.Uint64(data[2:10]),
		Timestamp: int64(binary.LittleEndian.Uint64(data[10:18])),
		Payload:   payload,
	}, nil
}
