package client

import (
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

func TestEmitDatabaseUpdateFlattensTables(t *testing.T) {
	svc := NewEventService(zerolog.Nop())

	var events []*RowUpdateEvent
	svc.OnRowUpdate(func(ev *RowUpdateEvent) { events = append(events, ev) })

	svc.emitDatabaseUpdate(&DatabaseUpdate{Tables: []TableUpdate{
		{
			TableName: "user",
			TableID:   4097,
			Updates: []TableUpdateEntry{
				{Inserts: []string{`{"id":1}`}, Deletes: []string{`{"id":0}`}},
				{Inserts: []string{`{"id":2}`}},
			},
		},
		{
			TableName: "message",
			TableID:   4098,
			Updates:   []TableUpdateEntry{{Inserts: []string{`{"text":"hi"}`}}},
		},
	}})

	if len(events) != 2 {
		t.Fatalf("events = %d, want one per table", len(events))
	}
	first := events[0]
	if first.Table != "user" || first.TableID != 4097 {
		t.Fatalf("first event = %+v", first)
	}
	if want := []string{`{"id":1}`, `{"id":2}`}; !reflect.DeepEqual(first.Inserts, want) {
		t.Fatalf("inserts = %v, want %v", first.Inserts, want)
	}
	if want := []string{`{"id":0}`}; !reflect.DeepEqual(first.Deletes, want) {
		t.Fatalf("deletes = %v, want %v", first.Deletes, want)
	}
	if events[1].Table != "message" {
		t.Fatalf("second event = %+v", events[1])
	}
}

func TestEmitDatabaseUpdateNilAndEmpty(t *testing.T) {
	svc := NewEventService(zerolog.Nop())
	fired := false
	svc.OnRowUpdate(func(*RowUpdateEvent) { fired = true })

	svc.emitDatabaseUpdate(nil)
	svc.emitDatabaseUpdate(&DatabaseUpdate{})
	if fired {
		t.Fatal("handler fired for an empty update")
	}
}

func TestEmitReducerResultFansOut(t *testing.T) {
	svc := NewEventService(zerolog.Nop())

	var got []string
	svc.OnReducerResult(func(ev *ReducerEvent) { got = append(got, "first:"+ev.Reducer) })
	svc.OnReducerResult(func(ev *ReducerEvent) { got = append(got, "second:"+ev.Reducer) })

	svc.emitReducerResult(&ReducerEvent{Reducer: "send_message", RequestID: 9})

	want := []string{"first:send_message", "second:send_message"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("handler calls = %v, want %v", got, want)
	}
}

func TestEventHandlerPanicIsolated(t *testing.T) {
	svc := NewEventService(zerolog.Nop())

	var survived bool
	svc.OnReducerResult(func(*ReducerEvent) { panic("handler bug") })
	svc.OnReducerResult(func(*ReducerEvent) { survived = true })

	svc.emitReducerResult(&ReducerEvent{Reducer: "noop"})
	if !survived {
		t.Fatal("second handler did not run after the first panicked")
	}

	svc.OnRowUpdate(func(*RowUpdateEvent) { panic("row handler bug") })
	svc.emitDatabaseUpdate(&DatabaseUpdate{Tables: []TableUpdate{{TableName: "user"}}})
}
