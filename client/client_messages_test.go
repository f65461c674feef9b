package client

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/spacetimedb-community/spacetimedb-go/bsatn"
)

func TestClientMessageValidate(t *testing.T) {
	tests := []struct {
		name       string
		msg        *ClientMessage
		violations []string
	}{
		{
			name: "valid call reducer",
			msg: &ClientMessage{CallReducer: &CallReducer{
				Reducer:   "send_message",
				Args:      []byte(`["hi"]`),
				RequestID: 1,
			}},
		},
		{
			name:       "empty union",
			msg:        &ClientMessage{},
			violations: []string{"message must carry exactly one variant"},
		},
		{
			name: "two variants set",
			msg: &ClientMessage{
				CallReducer: &CallReducer{Reducer: "x"},
				Subscribe:   &Subscribe{QueryStrings: []string{"SELECT * FROM user"}},
			},
			violations: []string{"message must carry exactly one variant"},
		},
		{
			name:       "call reducer without name",
			msg:        &ClientMessage{CallReducer: &CallReducer{RequestID: 2}},
			violations: []string{"reducer name must not be empty"},
		},
		{
			name:       "subscribe with no queries",
			msg:        &ClientMessage{Subscribe: &Subscribe{RequestID: 3}},
			violations: []string{"at least one query is required"},
		},
		{
			name: "subscribe multi with empty query",
			msg: &ClientMessage{SubscribeMulti: &SubscribeMulti{
				QueryStrings: []string{"SELECT * FROM user", ""},
				RequestID:    4,
			}},
			violations: []string{"query 1 must not be empty"},
		},
		{
			name: "one-off with short id and empty query",
			msg: &ClientMessage{OneOffQuery: &OneOffQuery{
				MessageID: []byte{1, 2, 3},
			}},
			violations: []string{
				"message id must be exactly 16 bytes, got 3",
				"query string must not be empty",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if len(tc.violations) == 0 {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if !reflect.DeepEqual(verr.Violations, tc.violations) {
				t.Fatalf("violations = %q, want %q", verr.Violations, tc.violations)
			}
		})
	}
}

func TestEncodeClientMessageText(t *testing.T) {
	enc := NewProtocolEncoder(TextProtocol)
	msg := &ClientMessage{SubscribeSingle: &SubscribeSingle{
		Query:     "SELECT * FROM message",
		RequestID: 7,
		QueryID:   QueryID{ID: 3},
	}}

	data, err := enc.EncodeClientMessage(msg)
	if err != nil {
		t.Fatalf("EncodeClientMessage failed: %v", err)
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		t.Fatalf("encoded message is not JSON: %v", err)
	}
	if len(tagged) != 1 {
		t.Fatalf("encoded message has %d keys, want 1", len(tagged))
	}
	payload, ok := tagged["SubscribeSingle"]
	if !ok {
		t.Fatalf("missing SubscribeSingle key, got %v", tagged)
	}
	var decoded SubscribeSingle
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload did not round-trip: %v", err)
	}
	if !reflect.DeepEqual(decoded, *msg.SubscribeSingle) {
		t.Fatalf("round-trip = %+v, want %+v", decoded, *msg.SubscribeSingle)
	}
}

func TestEncodeClientMessageBinaryLayout(t *testing.T) {
	enc := NewProtocolEncoder(BinaryProtocol)
	msg := &ClientMessage{Unsubscribe: &Unsubscribe{
		RequestID: 0x01020304,
		QueryID:   QueryID{ID: 9},
	}}

	data, err := enc.EncodeClientMessage(msg)
	if err != nil {
		t.Fatalf("EncodeClientMessage failed: %v", err)
	}

	var want []byte
	want = append(want, bsatn.TagEnum, 4, 0, 0, 0)
	want = append(want, bsatn.TagStruct, 2, 0, 0, 0)
	want = append(want, byte(len("request_id")))
	want = append(want, "request_id"...)
	want = append(want, bsatn.TagU32, 0x04, 0x03, 0x02, 0x01)
	want = append(want, byte(len("query_id")))
	want = append(want, "query_id"...)
	want = append(want, bsatn.TagStruct, 1, 0, 0, 0)
	want = append(want, byte(len("id")))
	want = append(want, "id"...)
	want = append(want, bsatn.TagU32, 9, 0, 0, 0)

	if !reflect.DeepEqual(data, want) {
		t.Fatalf("encoded bytes\n got %x\nwant %x", data, want)
	}
}

func TestEncodeClientMessageBinaryAllVariants(t *testing.T) {
	msgID := make([]byte, 16)
	for i := range msgID {
		msgID[i] = byte(i)
	}

	tests := []struct {
		name    string
		msg     *ClientMessage
		variant uint32
	}{
		{
			name: "CallReducer",
			msg: &ClientMessage{CallReducer: &CallReducer{
				Reducer: "set_name", Args: []byte{1, 2}, RequestID: 1, Flags: FlagNoSuccessNotify,
			}},
			variant: 0,
		},
		{
			name: "Subscribe",
			msg: &ClientMessage{Subscribe: &Subscribe{
				QueryStrings: []string{"SELECT * FROM user"}, RequestID: 2,
			}},
			variant: 1,
		},
		{
			name: "SubscribeSingle",
			msg: &ClientMessage{SubscribeSingle: &SubscribeSingle{
				Query: "SELECT * FROM user", RequestID: 3, QueryID: QueryID{ID: 1},
			}},
			variant: 2,
		},
		{
			name: "SubscribeMulti",
			msg: &ClientMessage{SubscribeMulti: &SubscribeMulti{
				QueryStrings: []string{"SELECT * FROM a", "SELECT * FROM b"}, RequestID: 4, QueryID: QueryID{ID: 2},
			}},
			variant: 3,
		},
		{
			name:    "Unsubscribe",
			msg:     &ClientMessage{Unsubscribe: &Unsubscribe{RequestID: 5, QueryID: QueryID{ID: 3}}},
			variant: 4,
		},
		{
			name:    "UnsubscribeMulti",
			msg:     &ClientMessage{UnsubscribeMulti: &UnsubscribeMulti{RequestID: 6, QueryID: QueryID{ID: 4}}},
			variant: 5,
		},
		{
			name: "OneOffQuery",
			msg: &ClientMessage{OneOffQuery: &OneOffQuery{
				MessageID: msgID, QueryString: "SELECT * FROM message",
			}},
			variant: 6,
		},
	}

	enc := NewProtocolEncoder(BinaryProtocol)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := enc.EncodeClientMessage(tc.msg)
			if err != nil {
				t.Fatalf("EncodeClientMessage failed: %v", err)
			}

			r := bsatn.NewReader(data)
			if err := r.ExpectTag(bsatn.TagEnum); err != nil {
				t.Fatalf("frame does not start with enum tag: %v", err)
			}
			variant, err := r.ReadEnumHeader()
			if err != nil {
				t.Fatalf("ReadEnumHeader failed: %v", err)
			}
			if variant != tc.variant {
				t.Fatalf("variant = %d, want %d", variant, tc.variant)
			}
			if err := r.SkipValue(); err != nil {
				t.Fatalf("payload is not a well-formed value: %v", err)
			}
			if r.Remaining() != 0 {
				t.Fatalf("%d trailing bytes after payload", r.Remaining())
			}
		})
	}
}

func TestEncodeClientMessageErrors(t *testing.T) {
	for _, protocol := range []Protocol{TextProtocol, BinaryProtocol} {
		enc := NewProtocolEncoder(protocol)

		if _, err := enc.EncodeClientMessage(&ClientMessage{}); !errors.Is(err, ErrUnknownMessageType) {
			t.Fatalf("%s: empty union error = %v, want ErrUnknownMessageType", protocol, err)
		}

		_, err := enc.EncodeClientMessage(&ClientMessage{CallReducer: &CallReducer{}})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: invalid variant error = %v, want *ValidationError", protocol, err)
		}
		if len(verr.Violations) != 1 || !strings.Contains(verr.Violations[0], "reducer name") {
			t.Fatalf("%s: violations = %q", protocol, verr.Violations)
		}
	}
}
