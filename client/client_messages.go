package client

import (
	"fmt"

	"github.com/spacetimedb-community/spacetimedb-go/bsatn"
)

// CallReducerFlags adjust how the server reports a reducer call back to the
// caller. Serialized as a single u8.
type CallReducerFlags uint8

const (
	// FlagFullUpdate requests the standard full transaction update.
	FlagFullUpdate CallReducerFlags = 0
	// FlagNoSuccessNotify suppresses the success notification; only
	// failures come back.
	FlagNoSuccessNotify CallReducerFlags = 1
)

// Client message variant indices, fixed by the binary protocol.
const (
	variantCallReducer      uint32 = 0
	variantSubscribe        uint32 = 1
	variantSubscribeSingle  uint32 = 2
	variantSubscribeMulti   uint32 = 3
	variantUnsubscribe      uint32 = 4
	variantUnsubscribeMulti uint32 = 5
	variantOneOffQuery      uint32 = 6
)

// messageIDSize is the fixed length of a OneOffQuery correlation id.
const messageIDSize = 16

// ClientMessage represents all possible client-to-server messages. Exactly
// one field is set; the JSON form is the single-key tagged object the
// textual protocol requires.
type ClientMessage struct {
	CallReducer      *CallReducer      `json:"CallReducer,omitempty"`
	Subscribe        *Subscribe        `json:"Subscribe,omitempty"`
	SubscribeSingle  *SubscribeSingle  `json:"SubscribeSingle,omitempty"`
	SubscribeMulti   *SubscribeMulti   `json:"SubscribeMulti,omitempty"`
	Unsubscribe      *Unsubscribe      `json:"Unsubscribe,omitempty"`
	UnsubscribeMulti *UnsubscribeMulti `json:"UnsubscribeMulti,omitempty"`
	OneOffQuery      *OneOffQuery      `json:"OneOffQuery,omitempty"`
}

// clientVariant is implemented by every client-to-server message payload.
type clientVariant interface {
	variant() uint32
	variantName() string
	validate() []string
	writeBsatn(w *bsatn.Writer)
}

// payload returns the single set variant, or nil when the message is empty
// or over-filled.
func (m *ClientMessage) payload() clientVariant {
	var set []clientVariant
	if m.CallReducer != nil {
		set = append(set, m.CallReducer)
	}
	if m.Subscribe != nil {
		set = append(set, m.Subscribe)
	}
	if m.SubscribeSingle != nil {
		set = append(set, m.SubscribeSingle)
	}
	if m.SubscribeMulti != nil {
		set = append(set, m.SubscribeMulti)
	}
	if m.Unsubscribe != nil {
		set = append(set, m.Unsubscribe)
	}
	if m.UnsubscribeMulti != nil {
		set = append(set, m.UnsubscribeMulti)
	}
	if m.OneOffQuery != nil {
		set = append(set, m.OneOffQuery)
	}
	if len(set) != 1 {
		return nil
	}
	return set[0]
}

// Validate checks the message's preconditions before any bytes are built,
// returning a ValidationError listing every violation found.
func (m *ClientMessage) Validate() error {
	p := m.payload()
	if p == nil {
		return &ValidationError{Violations: []string{"message must carry exactly one variant"}}
	}
	if violations := p.validate(); len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// CallReducer invokes a remote reducer by name with opaque, pre-serialized
// argument bytes.
type CallReducer struct {
	Reducer   string           `json:"reducer"`
	Args      []byte           `json:"args"`
	RequestID uint32           `json:"request_id"`
	Flags     CallReducerFlags `json:"flags"`
}

func (m *CallReducer) variant() uint32     { return variantCallReducer }
func (m *CallReducer) variantName() string { return "CallReducer" }

func (m *CallReducer) validate() []string {
	var v []string
	if m.Reducer == "" {
		v = append(v, "reducer name must not be empty")
	}
	return v
}

func (m *CallReducer) writeBsatn(w *bsatn.Writer) {
	w.WriteStructHeader(4)
	w.WriteFieldName("reducer")
	w.WriteString(m.Reducer)
	w.WriteFieldName("args")
	w.WriteBytes(m.Args)
	w.WriteFieldName("request_id")
	w.WriteU32(m.RequestID)
	w.WriteFieldName("flags")
	w.WriteU8(uint8(m.Flags))
}

// Subscribe is the legacy whole-list subscription request; the server
// answers with InitialSubscription.
type Subscribe struct {
	QueryStrings []string `json:"query_strings"`
	RequestID    uint32   `json:"request_id"`
}

func (m *Subscribe) variant() uint32     { return variantSubscribe }
func (m *Subscribe) variantName() string { return "Subscribe" }

func (m *Subscribe) validate() []string {
	return validateQueryList(m.QueryStrings)
}

func (m *Subscribe) writeBsatn(w *bsatn.Writer) {
	w.WriteStructHeader(2)
	w.WriteFieldName("query_strings")
	w.WriteArrayHeader(len(m.QueryStrings))
	for _, q := range m.QueryStrings {
		w.WriteString(q)
	}
	w.WriteFieldName("request_id")
	w.WriteU32(m.RequestID)
}

// SubscribeSingle subscribes one query under its own QueryID.
type SubscribeSingle struct {
	Query     string  `json:"query"`
	RequestID uint32  `json:"request_id"`
	QueryID   QueryID `json:"query_id"`
}

func (m *SubscribeSingle) variant() uint32     { return variantSubscribeSingle }
func (m *SubscribeSingle) variantName() string { return "SubscribeSingle" }

func (m *SubscribeSingle) validate() []string {
	var v []string
	if m.Query == "" {
		v = append(v, "query must not be empty")
	}
	return v
}

func (m *SubscribeSingle) writeBsatn(w *bsatn.Writer) {
	w.WriteStructHeader(3)
	w.WriteFieldName("query")
	w.WriteString(m.Query)
	w.WriteFieldName("request_id")
	w.WriteU32(m.RequestID)
	w.WriteFieldName("query_id")
	m.QueryID.writeBsatn(w)
}

// SubscribeMulti subscribes a query set under one shared QueryID.
type SubscribeMulti struct {
	QueryStrings []string `json:"query_strings"`
	RequestID    uint32   `json:"request_id"`
	QueryID      QueryID  `json:"query_id"`
}

func (m *SubscribeMulti) variant() uint32     { return variantSubscribeMulti }
func (m *SubscribeMulti) variantName() string { return "SubscribeMulti" }

func (m *SubscribeMulti) validate() []string {
	return validateQueryList(m.QueryStrings)
}

func (m *SubscribeMulti) writeBsatn(w *bsatn.Writer) {
	w.WriteStructHeader(3)
	w.WriteFieldName("query_strings")
	w.WriteArrayHeader(len(m.QueryStrings))
	for _, q := range m.QueryStrings {
		w.WriteString(q)
	}
	w.WriteFieldName("request_id")
	w.WriteU32(m.RequestID)
	w.WriteFieldName("query_id")
	m.QueryID.writeBsatn(w)
}

// Unsubscribe tears down a single-query subscription.
type Unsubscribe struct {
	RequestID uint32  `json:"request_id"`
	QueryID   QueryID `json:"query_id"`
}

func (m *Unsubscribe) variant() uint32     { return variantUnsubscribe }
func (m *Unsubscribe) variantName() string { return "Unsubscribe" }

func (m *Unsubscribe) validate() []string { return nil }

func (m *Unsubscribe) writeBsatn(w *bsatn.Writer) {
	w.WriteStructHeader(2)
	w.WriteFieldName("request_id")
	w.WriteU32(m.RequestID)
	w.WriteFieldName("query_id")
	m.QueryID.writeBsatn(w)
}

// UnsubscribeMulti tears down a multi-query subscription.
type UnsubscribeMulti struct {
	RequestID uint32  `json:"request_id"`
	QueryID   QueryID `json:"query_id"`
}

func (m *UnsubscribeMulti) variant() uint32     { return variantUnsubscribeMulti }
func (m *UnsubscribeMulti) variantName() string { return "UnsubscribeMulti" }

func (m *UnsubscribeMulti) validate() []string { return nil }

func (m *UnsubscribeMulti) writeBsatn(w *bsatn.Writer) {
	w.WriteStructHeader(2)
	w.WriteFieldName("request_id")
	w.WriteU32(m.RequestID)
	w.WriteFieldName("query_id")
	m.QueryID.writeBsatn(w)
}

// OneOffQuery runs a query once, outside any subscription, correlated by a
// 16-byte message id.
type OneOffQuery struct {
	MessageID   []byte `json:"message_id"`
	QueryString string `json:"query_string"`
}

func (m *OneOffQuery) variant() uint32     { return variantOneOffQuery }
func (m *OneOffQuery) variantName() string { return "OneOffQuery" }

func (m *OneOffQuery) validate() []string {
	var v []string
	if len(m.MessageID) != messageIDSize {
		v = append(v, fmt.Sprintf("message id must be exactly %d bytes, got %d", messageIDSize, len(m.MessageID)))
	}
	if m.QueryString == "" {
		v = append(v, "query string must not be empty")
	}
	return v
}

func (m *OneOffQuery) writeBsatn(w *bsatn.Writer) {
	w.WriteStructHeader(2)
	w.WriteFieldName("message_id")
	w.WriteBytes(m.MessageID)
	w.WriteFieldName("query_string")
	w.WriteString(m.QueryString)
}

// QueryID correlates subscription lifecycle messages within a connection.
// On the wire it is always the nested struct {"id": <u32>}.
type QueryID struct {
	ID uint32 `json:"id"`
}

func (q QueryID) writeBsatn(w *bsatn.Writer) {
	w.WriteStructHeader(1)
	w.WriteFieldName("id")
	w.WriteU32(q.ID)
}

func validateQueryList(queries []string) []string {
	var v []string
	if len(queries) == 0 {
		v = append(v, "at least one query is required")
	}
	for i, q := range queries {
		if q == "" {
			v = append(v, fmt.Sprintf("query %d must not be empty", i))
		}
	}
	return v
}
