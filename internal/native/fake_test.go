package native

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-sched/internal/task"
)

func TestFake_AutoCompletes(t *testing.T) {
	f := NewFake()
	f.SetPayload("2a19", []byte{0x64})

	var got Completion
	req := Request{ID: uuid.New(), Kind: task.KindRead, Characteristic: "2a19"}
	require.NoError(t, f.Submit(req, func(c Completion) { got = c }))

	assert.True(t, got.OK())
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, []byte{0x64}, got.Payload)
	assert.Len(t, f.RequestsOf(task.KindRead), 1)
}

func TestFake_WriteThenRead(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.Submit(Request{ID: uuid.New(), Kind: task.KindWrite, Characteristic: "c", Data: []byte("hi")}, func(Completion) {}))

	var got Completion
	require.NoError(t, f.Submit(Request{ID: uuid.New(), Kind: task.KindRead, Characteristic: "c"}, func(c Completion) { got = c }))
	assert.Equal(t, []byte("hi"), got.Payload)
}

func TestFake_HoldAndComplete(t *testing.T) {
	f := NewFake()
	f.Hold(task.KindConnect, true)

	called := 0
	id := uuid.New()
	require.NoError(t, f.Submit(Request{ID: id, Kind: task.KindConnect}, func(Completion) { called++ }))
	assert.Zero(t, called)

	req, ok := f.PendingOf(task.KindConnect)
	require.True(t, ok)
	assert.Equal(t, id, req.ID)

	assert.True(t, f.CompleteKind(task.KindConnect))
	assert.Equal(t, 1, called)
	assert.False(t, f.Complete(id, Completion{}), "already completed")
}

func TestFake_RejectAndFail(t *testing.T) {
	f := NewFake()
	boom := errors.New("adapter busy")
	f.Reject(task.KindScan, boom)
	assert.ErrorIs(t, f.Submit(Request{Kind: task.KindScan}, func(Completion) { t.Fatal("done on rejection") }), boom)

	f.Fail(task.KindBond, CodeGattError)
	var got Completion
	require.NoError(t, f.Submit(Request{Kind: task.KindBond}, func(c Completion) { got = c }))
	assert.False(t, got.OK())
	assert.EqualError(t, got.Error(), "native: status 133")
}

func TestFake_AbortDropsPending(t *testing.T) {
	f := NewFake()
	f.Hold(task.KindConnect, true)
	id := uuid.New()
	require.NoError(t, f.Submit(Request{ID: id, Kind: task.KindConnect}, func(Completion) {}))

	f.Abort(id)
	assert.Equal(t, []uuid.UUID{id}, f.Aborted())
	assert.False(t, f.Complete(id, Completion{}))
}

func TestFake_EventsAndClose(t *testing.T) {
	f := NewFake()
	require.True(t, f.Emit(Event{Kind: EventDeviceFound, Address: "AA"}))
	ev := <-f.Events()
	assert.Equal(t, EventDeviceFound, ev.Kind)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.False(t, f.Emit(Event{}))
	_, open := <-f.Events()
	assert.False(t, open)
	assert.ErrorIs(t, f.Submit(Request{}, func(Completion) {}), ErrClosed)
}
