package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spacetimedb-community/spacetimedb-go/bsatn"
)

// ServerMessageType represents the type of server message
type ServerMessageType int

const (
	ServerMessageTypeInitialSubscription ServerMessageType = iota
	ServerMessageTypeTransactionUpdate
	ServerMessageTypeTransactionUpdateLight
	ServerMessageTypeIdentityToken
	ServerMessageTypeOneOffQueryResponse
	ServerMessageTypeSubscribeApplied
	ServerMessageTypeUnsubscribeApplied
	ServerMessageTypeSubscriptionError
	ServerMessageTypeSubscribeMultiApplied
	ServerMessageTypeUnsubscribeMultiApplied
)

var serverMessageTypeNames = map[ServerMessageType]string{
	ServerMessageTypeInitialSubscription:     "InitialSubscription",
	ServerMessageTypeTransactionUpdate:       "TransactionUpdate",
	ServerMessageTypeTransactionUpdateLight:  "TransactionUpdateLight",
	ServerMessageTypeIdentityToken:           "IdentityToken",
	ServerMessageTypeOneOffQueryResponse:     "OneOffQueryResponse",
	ServerMessageTypeSubscribeApplied:        "SubscribeApplied",
	ServerMessageTypeUnsubscribeApplied:      "UnsubscribeApplied",
	ServerMessageTypeSubscriptionError:       "SubscriptionError",
	ServerMessageTypeSubscribeMultiApplied:   "SubscribeMultiApplied",
	ServerMessageTypeUnsubscribeMultiApplied: "UnsubscribeMultiApplied",
}

func (t ServerMessageType) String() string {
	if name, ok := serverMessageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ServerMessageType(%d)", int(t))
}

// ServerMessage represents all possible server-to-client messages
type ServerMessage struct {
	Type    ServerMessageType `json:"-"`
	Payload any               `json:"-"`
}

// Type-safe getters for each message type
func (sm *ServerMessage) AsInitialSubscription() (*InitialSubscription, bool) {
	if sm.Type == ServerMessageTypeInitialSubscription {
		return sm.Payload.(*InitialSubscription), true
	}
	return nil, false
}

func (sm *ServerMessage) AsTransactionUpdate() (*TransactionUpdate, bool) {
	if sm.Type == ServerMessageTypeTransactionUpdate {
		return sm.Payload.(*TransactionUpdate), true
	}
	return nil, false
}

func (sm *ServerMessage) AsTransactionUpdateLight() (*TransactionUpdateLight, bool) {
	if sm.Type == ServerMessageTypeTransactionUpdateLight {
		return sm.Payload.(*TransactionUpdateLight), true
	}
	return nil, false
}

func (sm *ServerMessage) AsIdentityToken() (*IdentityToken, bool) {
	if sm.Type == ServerMessageTypeIdentityToken {
		return sm.Payload.(*IdentityToken), true
	}
	return nil, false
}

func (sm *ServerMessage) AsOneOffQueryResponse() (*OneOffQueryResponse, bool) {
	if sm.Type == ServerMessageTypeOneOffQueryResponse {
		return sm.Payload.(*OneOffQueryResponse), true
	}
	return nil, false
}

func (sm *ServerMessage) AsSubscribeApplied() (*SubscribeApplied, bool) {
	if sm.Type == ServerMessageTypeSubscribeApplied {
		return sm.Payload.(*SubscribeApplied), true
	}
	return nil, false
}

func (sm *ServerMessage) AsUnsubscribeApplied() (*UnsubscribeApplied, bool) {
	if sm.Type == ServerMessageTypeUnsubscribeApplied {
		return sm.Payload.(*UnsubscribeApplied), true
	}
	return nil, false
}

func (sm *ServerMessage) AsSubscriptionError() (*SubscriptionError, bool) {
	if sm.Type == ServerMessageTypeSubscriptionError {
		return sm.Payload.(*SubscriptionError), true
	}
	return nil, false
}

func (sm *ServerMessage) AsSubscribeMultiApplied() (*SubscribeMultiApplied, bool) {
	if sm.Type == ServerMessageTypeSubscribeMultiApplied {
		return sm.Payload.(*SubscribeMultiApplied), true
	}
	return nil, false
}

func (sm *ServerMessage) AsUnsubscribeMultiApplied() (*UnsubscribeMultiApplied, bool) {
	if sm.Type == ServerMessageTypeUnsubscribeMultiApplied {
		return sm.Payload.(*UnsubscribeMultiApplied), true
	}
	return nil, false
}

// RequestID returns the correlation request id carried by the message, if
// the message type carries one.
func (sm *ServerMessage) RequestID() (uint32, bool) {
	switch v := sm.Payload.(type) {
	case *InitialSubscription:
		return v.RequestID, true
	case *TransactionUpdate:
		return v.ReducerCall.RequestID, v.ReducerCall.RequestID != 0
	case *TransactionUpdateLight:
		return v.RequestID, true
	case *SubscribeApplied:
		return v.RequestID, true
	case *UnsubscribeApplied:
		return v.RequestID, true
	case *SubscriptionError:
		if v.RequestID != nil {
			return *v.RequestID, true
		}
	case *SubscribeMultiApplied:
		return v.RequestID, true
	case *UnsubscribeMultiApplied:
		return v.RequestID, true
	}
	return 0, false
}

// QueryID returns the subscription query id carried by the message, if the
// message type carries one.
func (sm *ServerMessage) QueryID() (uint32, bool) {
	switch v := sm.Payload.(type) {
	case *SubscribeApplied:
		return v.QueryID.ID, true
	case *UnsubscribeApplied:
		return v.QueryID.ID, true
	case *SubscriptionError:
		if v.QueryID != nil {
			return *v.QueryID, true
		}
	case *SubscribeMultiApplied:
		return v.QueryID.ID, true
	case *UnsubscribeMultiApplied:
		return v.QueryID.ID, true
	}
	return 0, false
}

// InitialSubscription represents the initial subscription response
type InitialSubscription struct {
	DatabaseUpdate             DatabaseUpdate `json:"database_update"`
	RequestID                  uint32         `json:"request_id"`
	TotalHostExecutionDuration TimeDuration   `json:"total_host_execution_duration"`
}

// TransactionUpdate represents a transaction update
type TransactionUpdate struct {
	Status                     UpdateStatus    `json:"status"`
	Timestamp                  Timestamp       `json:"timestamp"`
	CallerIdentity             Identity        `json:"caller_identity"`
	CallerConnectionID         ConnectionID    `json:"caller_connection_id"`
	ReducerCall                ReducerCallInfo `json:"reducer_call"`
	EnergyQuantaUsed           EnergyQuanta    `json:"energy_quanta_used"`
	TotalHostExecutionDuration TimeDuration    `json:"total_host_execution_duration"`
}

// TransactionUpdateLight represents a lightweight transaction update
type TransactionUpdateLight struct {
	RequestID uint32         `json:"request_id"`
	Update    DatabaseUpdate `json:"update"`
}

// IdentityToken represents an identity token message
type IdentityToken struct {
	Identity     Identity     `json:"identity"`
	Token        string       `json:"token"`
	ConnectionID ConnectionID `json:"connection_id"`
}

// OneOffQueryResponse represents a one-off query response
type OneOffQueryResponse struct {
	MessageID                  []byte        `json:"message_id"`
	Error                      *string       `json:"error,omitempty"`
	Tables                     []OneOffTable `json:"tables"`
	TotalHostExecutionDuration TimeDuration  `json:"total_host_execution_duration"`
}

// UnmarshalJSON accepts the message id either as a base64 string or as an
// array of byte values.
func (o *OneOffQueryResponse) UnmarshalJSON(data []byte) error {
	type alias OneOffQueryResponse
	aux := struct {
		MessageID json.RawMessage `json:"message_id"`
		*alias
	}{alias: (*alias)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.MessageID) > 0 {
		id, err := decodeJSONBytes(aux.MessageID)
		if err != nil {
			return fmt.Errorf("message_id: %w", err)
		}
		o.MessageID = id
	}
	return nil
}

// SubscribeApplied represents a subscription applied response
type SubscribeApplied struct {
	RequestID                        uint32        `json:"request_id"`
	TotalHostExecutionDurationMicros uint64        `json:"total_host_execution_duration_micros"`
	QueryID                          QueryID       `json:"query_id"`
	Rows                             SubscribeRows `json:"rows"`
}

// UnsubscribeApplied represents an unsubscription applied response
type UnsubscribeApplied struct {
	RequestID                        uint32        `json:"request_id"`
	TotalHostExecutionDurationMicros uint64        `json:"total_host_execution_duration_micros"`
	QueryID                          QueryID       `json:"query_id"`
	Rows                             SubscribeRows `json:"rows"`
}

// SubscriptionError represents a subscription error
type SubscriptionError struct {
	TotalHostExecutionDurationMicros uint64  `json:"total_host_execution_duration_micros"`
	RequestID                        *uint32 `json:"request_id,omitempty"`
	QueryID                          *uint32 `json:"query_id,omitempty"`
	TableID                          *uint32 `json:"table_id,omitempty"`
	Error                            string  `json:"error"`
}

// SubscribeMultiApplied represents a multi-subscription applied response
type SubscribeMultiApplied struct {
	RequestID                        uint32         `json:"request_id"`
	TotalHostExecutionDurationMicros uint64         `json:"total_host_execution_duration_micros"`
	QueryID                          QueryID        `json:"query_id"`
	Update                           DatabaseUpdate `json:"update"`
}

// UnsubscribeMultiApplied represents a multi-unsubscription applied response
type UnsubscribeMultiApplied struct {
	RequestID                        uint32         `json:"request_id"`
	TotalHostExecutionDurationMicros uint64         `json:"total_host_execution_duration_micros"`
	QueryID                          QueryID        `json:"query_id"`
	Update                           DatabaseUpdate `json:"update"`
}

// Supporting types

// DatabaseUpdate represents a database update
type DatabaseUpdate struct {
	Tables []TableUpdate `json:"tables"`
}

// TableUpdate represents the row changes for one table
type TableUpdate struct {
	TableName string             `json:"table_name"`
	NumRows   uint32             `json:"num_rows"`
	TableID   uint32             `json:"table_id"`
	Updates   []TableUpdateEntry `json:"updates"`
}

type TableUpdateEntry struct {
	Inserts []string `json:"inserts,omitempty"`
	Deletes []string `json:"deletes,omitempty"`
}

// CompressableQueryUpdate represents a compressable query update
type CompressableQueryUpdate struct {
	Uncompressed *QueryUpdate `json:"Uncompressed,omitempty"`
	Brotli       []byte       `json:"Brotli,omitempty"`
	Gzip         []byte       `json:"Gzip,omitempty"`
}

// QueryUpdate represents a query update
type QueryUpdate struct {
	Deletes BsatnRowList `json:"deletes"`
	Inserts BsatnRowList `json:"inserts"`
}

// BsatnRowList represents a BSATN row list
type BsatnRowList struct {
	SizeHint RowSizeHint `json:"size_hint"`
	RowsData []byte      `json:"rows_data"`
}

// RowSizeHint represents a row size hint
type RowSizeHint struct {
	FixedSize  *uint16  `json:"FixedSize,omitempty"`
	RowOffsets []uint64 `json:"RowOffsets,omitempty"`
}

// OneOffTable represents a one-off table
type OneOffTable struct {
	TableName string       `json:"table_name"`
	Rows      BsatnRowList `json:"rows"`
}

// SubscribeRows represents subscription rows
type SubscribeRows struct {
	TableID   uint32      `json:"table_id"`
	TableName string      `json:"table_name"`
	TableRows TableUpdate `json:"table_rows"`
}

// ReducerCallInfo represents reducer call information
type ReducerCallInfo struct {
	ReducerName    string          `json:"reducer_name"`
	Args           json.RawMessage `json:"args"`
	Status         string          `json:"status"`
	ReducerID      uint32          `json:"reducer_id"`
	RequestID      uint32          `json:"request_id"`
	CallerIdentity string          `json:"caller_identity,omitempty"`
	Error          *string         `json:"error,omitempty"`
}

// UpdateStatus represents an update status
type UpdateStatus struct {
	Committed   *DatabaseUpdate `json:"Committed,omitempty"`
	Failed      *string         `json:"Failed,omitempty"`
	OutOfEnergy any             `json:"OutOfEnergy,omitempty"`
}

// IsCommitted reports whether the transaction was committed.
func (s *UpdateStatus) IsCommitted() bool { return s.Committed != nil }

// FailureMessage returns the failure text when the transaction did not
// commit.
func (s *UpdateStatus) FailureMessage() (string, bool) {
	if s.Failed != nil {
		return *s.Failed, true
	}
	if s.OutOfEnergy != nil {
		return "out of energy", true
	}
	return "", false
}

func updateStatusFromLabel(label string) UpdateStatus {
	switch strings.ToLower(label) {
	case "committed":
		return UpdateStatus{Committed: &DatabaseUpdate{}}
	case "out_of_energy", "outofenergy":
		return UpdateStatus{OutOfEnergy: struct{}{}}
	default:
		msg := label
		return UpdateStatus{Failed: &msg}
	}
}

// ParseServerMessage parses a raw JSON message into a ServerMessage
func ParseServerMessage(data []byte) (*ServerMessage, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("failed to parse server message: %w", err)
	}
	if len(tagged) != 1 {
		return nil, fmt.Errorf("server message must carry exactly one variant, got %d", len(tagged))
	}
	for name, payload := range tagged {
		switch name {
		case "InitialSubscription":
			return parseTaggedPayload[InitialSubscription](name, payload, ServerMessageTypeInitialSubscription)
		case "TransactionUpdate":
			return parseTaggedPayload[TransactionUpdate](name, payload, ServerMessageTypeTransactionUpdate)
		case "TransactionUpdateLight":
			return parseTaggedPayload[TransactionUpdateLight](name, payload, ServerMessageTypeTransactionUpdateLight)
		case "IdentityToken":
			return parseTaggedPayload[IdentityToken](name, payload, ServerMessageTypeIdentityToken)
		case "OneOffQueryResponse":
			return parseTaggedPayload[OneOffQueryResponse](name, payload, ServerMessageTypeOneOffQueryResponse)
		case "SubscribeApplied":
			return parseTaggedPayload[SubscribeApplied](name, payload, ServerMessageTypeSubscribeApplied)
		case "UnsubscribeApplied":
			return parseTaggedPayload[UnsubscribeApplied](name, payload, ServerMessageTypeUnsubscribeApplied)
		case "SubscriptionError":
			return parseTaggedPayload[SubscriptionError](name, payload, ServerMessageTypeSubscriptionError)
		case "SubscribeMultiApplied":
			return parseTaggedPayload[SubscribeMultiApplied](name, payload, ServerMessageTypeSubscribeMultiApplied)
		case "UnsubscribeMultiApplied":
			return parseTaggedPayload[UnsubscribeMultiApplied](name, payload, ServerMessageTypeUnsubscribeMultiApplied)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, name)
		}
	}
	return nil, fmt.Errorf("failed to parse server message")
}

func parseTaggedPayload[T any](name string, payload json.RawMessage, typ ServerMessageType) (*ServerMessage, error) {
	v := new(T)
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}
	return &ServerMessage{Type: typ, Payload: v}, nil
}

func decodeJSONBytes(raw json.RawMessage) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var nums []uint16
		if err := json.Unmarshal(raw, &nums); err != nil {
			return nil, err
		}
		out := make([]byte, len(nums))
		for i, n := range nums {
			if n > 0xFF {
				return nil, fmt.Errorf("byte value %d out of range", n)
			}
			out[i] = byte(n)
		}
		return out, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(s)
}

// Binary decoding
//
// Each decoder consumes one struct value whose tag has not yet been read.
// Fields are dispatched by name; unrecognized fields are skipped so that
// servers may add fields without breaking older clients. Nested row and
// update payloads are skipped wholesale: the envelope fields are what the
// connection layer routes on.

func decodeIdentityTokenBsatn(r *bsatn.Reader) (*IdentityToken, error) {
	v := &IdentityToken{}
	err := readStructFields(r, func(name string) error {
		switch name {
		case "identity":
			raw, err := readTaggedBytes(r)
			if err != nil {
				return err
			}
			id, err := NewIdentity(raw)
			if err != nil {
				return fmt.Errorf("identity: %w", err)
			}
			v.Identity = id
		case "token":
			s, err := readTaggedString(r)
			if err != nil {
				return err
			}
			v.Token = s
		case "connection_id":
			raw, err := readTaggedBytes(r)
			if err != nil {
				return err
			}
			cid, err := NewConnectionID(raw)
			if err != nil {
				return fmt.Errorf("connection_id: %w", err)
			}
			v.ConnectionID = cid
		default:
			return r.SkipValue()
		}
		return nil
	})
	return v, err
}

func decodeInitialSubscriptionBsatn(r *bsatn.Reader) (*InitialSubscription, error) {
	v := &InitialSubscription{}
	err := readStructFields(r, func(name string) error {
		switch name {
		case "request_id":
			n, err := readTaggedU32(r)
			if err != nil {
				return err
			}
			v.RequestID = n
		case "total_host_execution_duration":
			n, err := readTaggedU64(r)
			if err != nil {
				return err
			}
			v.TotalHostExecutionDuration = TimeDuration{Micros: n}
		default:
			return r.SkipValue()
		}
		return nil
	})
	return v, err
}

func decodeTransactionUpdateBsatn(r *bsatn.Reader) (*TransactionUpdate, error) {
	v := &TransactionUpdate{}
	err := readStructFields(r, func(name string) error {
		switch name {
		case "status":
			s, err := readTaggedString(r)
			if err != nil {
				return err
			}
			v.Status = updateStatusFromLabel(s)
		case "timestamp":
			n, err := readTaggedU64(r)
			if err != nil {
				return err
			}
			v.Timestamp = Timestamp{Micros: n}
		case "caller_identity":
			raw, err := readTaggedBytes(r)
			if err != nil {
				return err
			}
			id, err := NewIdentity(raw)
			if err != nil {
				return fmt.Errorf("caller_identity: %w", err)
			}
			v.CallerIdentity = id
		case "caller_connection_id":
			raw, err := readTaggedBytes(r)
			if err != nil {
				return err
			}
			cid, err := NewConnectionID(raw)
			if err != nil {
				return fmt.Errorf("caller_connection_id: %w", err)
			}
			v.CallerConnectionID = cid
		case "energy_quanta_used":
			n, err := readTaggedU64(r)
			if err != nil {
				return err
			}
			v.EnergyQuantaUsed = EnergyQuanta{Quanta: n}
		case "total_host_execution_duration":
			n, err := readTaggedU64(r)
			if err != nil {
				return err
			}
			v.TotalHostExecutionDuration = TimeDuration{Micros: n}
		case "reducer_call":
			info, err := readReducerCallStruct(r)
			if err != nil {
				return err
			}
			v.ReducerCall = info
		default:
			return r.SkipValue()
		}
		return nil
	})
	return v, err
}

// readReducerCallStruct decodes the correlation envelope of a reducer
// call. The argument bytes are skipped; decoding them needs the module
// schema, which lives above this layer.
func readReducerCallStruct(r *bsatn.Reader) (ReducerCallInfo, error) {
	var info ReducerCallInfo
	err := readStructFields(r, func(name string) error {
		switch name {
		case "reducer_name":
			s, err := readTaggedString(r)
			if err != nil {
				return err
			}
			info.ReducerName = s
		case "reducer_id":
			n, err := readTaggedU32(r)
			if err != nil {
				return err
			}
			info.ReducerID = n
		case "request_id":
			n, err := readTaggedU32(r)
			if err != nil {
				return err
			}
			info.RequestID = n
		default:
			return r.SkipValue()
		}
		return nil
	})
	return info, err
}

func decodeTransactionUpdateLightBsatn(r *bsatn.Reader) (*TransactionUpdateLight, error) {
	v := &TransactionUpdateLight{}
	err := readStructFields(r, func(name string) error {
		switch name {
		case "request_id":
			n, err := readTaggedU32(r)
			if err != nil {
				return err
			}
			v.RequestID = n
		default:
			return r.SkipValue()
		}
		return nil
	})
	return v, err
}

func decodeSubscribeAppliedBsatn(r *bsatn.Reader) (*SubscribeApplied, error) {
	v := &SubscribeApplied{}
	err := readStructFields(r, func(name string) error {
		switch name {
		case "request_id":
			n, err := readTaggedU32(r)
			if err != nil {
				return err
			}
			v.RequestID = n
		case "total_host_execution_duration_micros":
			n, err := readTaggedU64(r)
			if err != nil {
				return err
			}
			v.TotalHostExecutionDurationMicros = n
		case "query_id":
			qid, err := readQueryIDStruct(r)
			if err != nil {
				return err
			}
			v.QueryID = qid
		case "table_id":
			n, err := readTaggedU32(r)
			if err != nil {
				return err
			}
			v.Rows.TableID = n
		case "table_name":
			s, err := readTaggedString(r)
			if err != nil {
				return err
			}
			v.Rows.TableName = s
		case "rows":
			rows, err := readSubscribeRowsStruct(r)
			if err != nil {
				return err
			}
			v.Rows = rows
		default:
			return r.SkipValue()
		}
		return nil
	})
	return v, err
}

func decodeUnsubscribeAppliedBsatn(r *bsatn.Reader) (*UnsubscribeApplied, error) {
	v, err := decodeSubscribeAppliedBsatn(r)
	if err != nil {
		return nil, err
	}
	return (*UnsubscribeApplied)(v), nil
}

func decodeSubscriptionErrorBsatn(r *bsatn.Reader) (*SubscriptionError, error) {
	v := &SubscriptionError{}
	err := readStructFields(r, func(name string) error {
		switch name {
		case "total_host_execution_duration_micros":
			n, err := readTaggedU64(r)
			if err != nil {
				return err
			}
			v.TotalHostExecutionDurationMicros = n
		case "request_id":
			p, err := readOptionU32(r)
			if err != nil {
				return err
			}
			v.RequestID = p
		case "query_id":
			p, err := readOptionU32(r)
			if err != nil {
				return err
			}
			v.QueryID = p
		case "table_id":
			p, err := readOptionU32(r)
			if err != nil {
				return err
			}
			v.TableID = p
		case "error":
			s, err := readTaggedString(r)
			if err != nil {
				return err
			}
			v.Error = s
		default:
			return r.SkipValue()
		}
		return nil
	})
	return v, err
}

func decodeSubscribeMultiAppliedBsatn(r *bsatn.Reader) (*SubscribeMultiApplied, error) {
	v := &SubscribeMultiApplied{}
	err := readStructFields(r, func(name string) error {
		switch name {
		case "request_id":
			n, err := readTaggedU32(r)
			if err != nil {
				return err
			}
			v.RequestID = n
		case "total_host_execution_duration_micros":
			n, err := readTaggedU64(r)
			if err != nil {
				return err
			}
			v.TotalHostExecutionDurationMicros = n
		case "query_id":
			qid, err := readQueryIDStruct(r)
			if err != nil {
				return err
			}
			v.QueryID = qid
		default:
			return r.SkipValue()
		}
		return nil
	})
	return v, err
}

func decodeUnsubscribeMultiAppliedBsatn(r *bsatn.Reader) (*UnsubscribeMultiApplied, error) {
	v, err := decodeSubscribeMultiAppliedBsatn(r)
	if err != nil {
		return nil, err
	}
	return (*UnsubscribeMultiApplied)(v), nil
}

func decodeOneOffQueryResponseBsatn(r *bsatn.Reader) (*OneOffQueryResponse, error) {
	v := &OneOffQueryResponse{}
	err := readStructFields(r, func(name string) error {
		switch name {
		case "message_id":
			raw, err := readTaggedBytes(r)
			if err != nil {
				return err
			}
			v.MessageID = append([]byte(nil), raw...)
		case "error":
			p, err := readOptionString(r)
			if err != nil {
				return err
			}
			v.Error = p
		case "total_host_execution_duration":
			n, err := readTaggedU64(r)
			if err != nil {
				return err
			}
			v.TotalHostExecutionDuration = TimeDuration{Micros: n}
		default:
			return r.SkipValue()
		}
		return nil
	})
	return v, err
}

// readStructFields consumes a struct value, invoking field for each field
// name. The callback must consume exactly one value.
func readStructFields(r *bsatn.Reader, field func(name string) error) error {
	if err := r.ExpectTag(bsatn.TagStruct); err != nil {
		return err
	}
	count, err := r.ReadStructHeader()
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		name, err := r.ReadFieldName()
		if err != nil {
			return err
		}
		if err := field(name); err != nil {
			return err
		}
	}
	return nil
}

func readQueryIDStruct(r *bsatn.Reader) (QueryID, error) {
	var qid QueryID
	err := readStructFields(r, func(name string) error {
		if name == "id" {
			n, err := readTaggedU32(r)
			if err != nil {
				return err
			}
			qid.ID = n
			return nil
		}
		return r.SkipValue()
	})
	return qid, err
}

func readSubscribeRowsStruct(r *bsatn.Reader) (SubscribeRows, error) {
	var rows SubscribeRows
	err := readStructFields(r, func(name string) error {
		switch name {
		case "table_id":
			n, err := readTaggedU32(r)
			if err != nil {
				return err
			}
			rows.TableID = n
		case "table_name":
			s, err := readTaggedString(r)
			if err != nil {
				return err
			}
			rows.TableName = s
		default:
			return r.SkipValue()
		}
		return nil
	})
	return rows, err
}

func readTaggedU32(r *bsatn.Reader) (uint32, error) {
	if err := r.ExpectTag(bsatn.TagU32); err != nil {
		return 0, err
	}
	return r.ReadU32()
}

func readTaggedU64(r *bsatn.Reader) (uint64, error) {
	if err := r.ExpectTag(bsatn.TagU64); err != nil {
		return 0, err
	}
	return r.ReadU64()
}

func readTaggedString(r *bsatn.Reader) (string, error) {
	if err := r.ExpectTag(bsatn.TagString); err != nil {
		return "", err
	}
	return r.ReadString()
}

func readTaggedBytes(r *bsatn.Reader) ([]byte, error) {
	if err := r.ExpectTag(bsatn.TagBytes); err != nil {
		return nil, err
	}
	return r.ReadBytes()
}

func readOptionU32(r *bsatn.Reader) (*uint32, error) {
	tag, err := r.ReadTag()
	if err != nil {
		return nil, err
	}
	switch tag {
	case bsatn.TagOptionNone:
		return nil, nil
	case bsatn.TagOptionSome:
		n, err := readTaggedU32(r)
		if err != nil {
			return nil, err
		}
		return &n, nil
	default:
		return nil, fmt.Errorf("expected option tag, got %s", bsatn.TagName(tag))
	}
}

func readOptionString(r *bsatn.Reader) (*string, error) {
	tag, err := r.ReadTag()
	if err != nil {
		return nil, err
	}
	switch tag {
	case bsatn.TagOptionNone:
		return nil, nil
	case bsatn.TagOptionSome:
		s, err := readTaggedString(r)
		if err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("expected option tag, got %s", bsatn.TagName(tag))
	}
}
