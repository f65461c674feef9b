package client

import (
	"sync"

	"github.com/rs/zerolog"
)

// RowUpdateEvent carries the decoded row changes for one table, flattened
// from a database update. Rows are the textual protocol's encoded rows;
// binary row payloads stay with their table update envelope.
type RowUpdateEvent struct {
	TableID uint32
	Table   string
	Inserts []string
	Deletes []string
}

// ReducerEvent carries the acknowledgement of one reducer call.
type ReducerEvent struct {
	Reducer   string
	Status    UpdateStatus
	RequestID uint32
	Energy    EnergyQuanta
	Caller    Identity
	Timestamp Timestamp
}

// EventService fans decoded protocol events out to application handlers,
// the seam a higher-level cache or client layer hooks into. Handlers run
// on the dispatch goroutine in registration order; a panic in one handler
// is recovered so later handlers still run.
type EventService struct {
	logger zerolog.Logger

	mu              sync.RWMutex
	rowHandlers     []func(*RowUpdateEvent)
	reducerHandlers []func(*ReducerEvent)
}

// NewEventService creates a new event service
func NewEventService(logger zerolog.Logger) *EventService {
	return &EventService{logger: logger}
}

// OnRowUpdate registers a handler for table row changes.
func (s *EventService) OnRowUpdate(fn func(*RowUpdateEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rowHandlers = append(s.rowHandlers, fn)
}

// OnReducerResult registers a handler for reducer acknowledgements.
func (s *EventService) OnReducerResult(fn func(*ReducerEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reducerHandlers = append(s.reducerHandlers, fn)
}

// emitDatabaseUpdate explodes a database update into one RowUpdateEvent
// per table and hands each to every registered handler.
func (s *EventService) emitDatabaseUpdate(update *DatabaseUpdate) {
	if update == nil || len(update.Tables) == 0 {
		return
	}
	s.mu.RLock()
	handlers := append(([]func(*RowUpdateEvent))(nil), s.rowHandlers...)
	s.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}
	for i := range update.Tables {
		table := &update.Tables[i]
		ev := &RowUpdateEvent{TableID: table.TableID, Table: table.TableName}
		for _, entry := range table.Updates {
			ev.Inserts = append(ev.Inserts, entry.Inserts...)
			ev.Deletes = append(ev.Deletes, entry.Deletes...)
		}
		for _, fn := range handlers {
			s.safeEmit("row_update", ev.Table, func() { fn(ev) })
		}
	}
}

// emitReducerResult hands a reducer acknowledgement to every registered
// handler.
func (s *EventService) emitReducerResult(ev *ReducerEvent) {
	s.mu.RLock()
	handlers := append(([]func(*ReducerEvent))(nil), s.reducerHandlers...)
	s.mu.RUnlock()
	for _, fn := range handlers {
		s.safeEmit("reducer_result", ev.Reducer, func() { fn(ev) })
	}
}

func (s *EventService) safeEmit(kind, subject string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("event", kind).
				Str("subject", subject).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	fn()
}
