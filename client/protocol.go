package client

import (
	"encoding/json"
	"fmt"

	"github.com/spacetimedb-community/spacetimedb-go/bsatn"
)

// Protocol identifies the websocket wire encoding, negotiated once per
// connection through the Sec-WebSocket-Protocol header and never mixed
// mid-stream.
type Protocol string

const (
	// TextProtocol carries JSON text frames.
	TextProtocol Protocol = "v1.json.spacetimedb"
	// BinaryProtocol carries BSATN binary frames.
	BinaryProtocol Protocol = "v1.bsatn.spacetimedb"
)

// Valid reports whether p is a known protocol name.
func (p Protocol) Valid() bool { return p == TextProtocol || p == BinaryProtocol }

// IsBinary reports whether frames travel as binary websocket messages.
func (p Protocol) IsBinary() bool { return p == BinaryProtocol }

// Server message variant indices, fixed by the binary protocol.
const (
	serverVariantIdentityToken           uint32 = 0
	serverVariantInitialSubscription     uint32 = 1
	serverVariantTransactionUpdate       uint32 = 2
	serverVariantTransactionUpdateLight  uint32 = 3
	serverVariantSubscribeApplied        uint32 = 4
	serverVariantUnsubscribeApplied      uint32 = 5
	serverVariantSubscriptionError       uint32 = 6
	serverVariantSubscribeMultiApplied   uint32 = 7
	serverVariantUnsubscribeMultiApplied uint32 = 8
	serverVariantOneOffQueryResponse     uint32 = 9
)

// ProtocolEncoder serializes client messages for one negotiated protocol.
type ProtocolEncoder struct {
	protocol Protocol
}

func NewProtocolEncoder(p Protocol) *ProtocolEncoder {
	return &ProtocolEncoder{protocol: p}
}

// EncodeClientMessage validates msg and serializes it for the encoder's
// protocol. Precondition failures surface before any bytes are built: an
// empty or over-filled union reports ErrUnknownMessageType, a malformed
// variant reports a ValidationError with every violation.
func (e *ProtocolEncoder) EncodeClientMessage(msg *ClientMessage) ([]byte, error) {
	p := msg.payload()
	if p == nil {
		return nil, fmt.Errorf("%w: client message must carry exactly one variant", ErrUnknownMessageType)
	}
	if violations := p.validate(); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	switch e.protocol {
	case TextProtocol:
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", p.variantName(), err)
		}
		return data, nil
	case BinaryProtocol:
		w := bsatn.NewWriter()
		w.WriteEnumHeader(p.variant())
		p.writeBsatn(w)
		data, err := w.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", p.variantName(), err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported protocol %q", string(e.protocol))
	}
}

// ProtocolDecoder deserializes server messages for one negotiated protocol.
type ProtocolDecoder struct {
	protocol Protocol
}

func NewProtocolDecoder(p Protocol) *ProtocolDecoder {
	return &ProtocolDecoder{protocol: p}
}

// DecodeServerMessage deserializes one complete, already decompressed
// server frame.
func (d *ProtocolDecoder) DecodeServerMessage(data []byte) (*ServerMessage, error) {
	switch d.protocol {
	case TextProtocol:
		return ParseServerMessage(data)
	case BinaryProtocol:
		return decodeServerMessageBsatn(data)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", string(d.protocol))
	}
}

func decodeServerMessageBsatn(data []byte) (*ServerMessage, error) {
	r := bsatn.NewReader(data)
	if err := r.ExpectTag(bsatn.TagEnum); err != nil {
		return nil, err
	}
	variant, err := r.ReadEnumHeader()
	if err != nil {
		return nil, err
	}

	var (
		typ     ServerMessageType
		payload any
	)
	switch variant {
	case serverVariantIdentityToken:
		typ = ServerMessageTypeIdentityToken
		payload, err = decodeIdentityTokenBsatn(r)
	case serverVariantInitialSubscription:
		typ = ServerMessageTypeInitialSubscription
		payload, err = decodeInitialSubscriptionBsatn(r)
	case serverVariantTransactionUpdate:
		typ = ServerMessageTypeTransactionUpdate
		payload, err = decodeTransactionUpdateBsatn(r)
	case serverVariantTransactionUpdateLight:
		typ = ServerMessageTypeTransactionUpdateLight
		payload, err = decodeTransactionUpdateLightBsatn(r)
	case serverVariantSubscribeApplied:
		typ = ServerMessageTypeSubscribeApplied
		payload, err = decodeSubscribeAppliedBsatn(r)
	case serverVariantUnsubscribeApplied:
		typ = ServerMessageTypeUnsubscribeApplied
		payload, err = decodeUnsubscribeAppliedBsatn(r)
	case serverVariantSubscriptionError:
		typ = ServerMessageTypeSubscriptionError
		payload, err = decodeSubscriptionErrorBsatn(r)
	case serverVariantSubscribeMultiApplied:
		typ = ServerMessageTypeSubscribeMultiApplied
		payload, err = decodeSubscribeMultiAppliedBsatn(r)
	case serverVariantUnsubscribeMultiApplied:
		typ = ServerMessageTypeUnsubscribeMultiApplied
		payload, err = decodeUnsubscribeMultiAppliedBsatn(r)
	case serverVariantOneOffQueryResponse:
		typ = ServerMessageTypeOneOffQueryResponse
		payload, err = decodeOneOffQueryResponseBsatn(r)
	default:
		return nil, &bsatn.DecodingError{
			Offset: r.Pos(),
			Msg:    fmt.Sprintf("unknown server message variant %d", variant),
		}
	}
	if err != nil {
		return nil, err
	}
	return &ServerMessage{Type: typ, Payload: payload}, nil
}
