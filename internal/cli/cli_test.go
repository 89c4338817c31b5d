package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-sched/internal/event"
	"bluetooth-sched/internal/retry"
	"bluetooth-sched/internal/state"
	"bluetooth-sched/internal/task"
)

// executeCommand runs the command tree with args and returns stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var recs []map[string]any
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec), sc.Text())
		recs = append(recs, rec)
	}
	require.NoError(t, sc.Err())
	return recs
}

func filter(recs []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, r := range recs {
		if r["type"] == typ {
			out = append(out, r)
		}
	}
	return out
}

func TestSimulate(t *testing.T) {
	out, err := executeCommand(t, "simulate", "--peripherals", "3", "--log-level", "error")
	require.NoError(t, err)
	recs := decodeLines(t, out)

	assert.Len(t, filter(recs, event.TypeDiscovery), 3)

	failures := filter(recs, event.TypeFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "retry", failures[0]["decision"])
	assert.EqualValues(t, 133, failures[0]["code"])

	var initialized, authenticated int
	var reconnecting bool
	for _, r := range filter(recs, event.TypeDeviceState) {
		if r["address"] != simAddress(0) {
			continue
		}
		if strings.Contains(r["enter"].(string), "INITIALIZED") {
			initialized++
		}
		if strings.Contains(r["enter"].(string), "AUTHENTICATED") {
			authenticated++
		}
		if strings.Contains(r["enter"].(string), "RECONNECTING_LONG_TERM") {
			reconnecting = true
		}
	}
	assert.Equal(t, 2, initialized, "connected once and reconnected once")
	assert.Equal(t, 2, authenticated, "every connect runs the authentication write")
	assert.True(t, reconnecting)

	var kinds []string
	for _, r := range filter(recs, event.TypeReadWrite) {
		assert.Equal(t, "success", r["status"])
		kinds = append(kinds, r["kind"].(string))
	}
	assert.Equal(t, []string{"write", "negotiate_mtu", "read", "write", "toggle_notify", "read_rssi", "write"}, kinds)
	assert.Equal(t, "2a00", filter(recs, event.TypeReadWrite)[0]["characteristic"])

	notes := filter(recs, event.TypeNotification)
	require.Len(t, notes, 1)
	assert.Equal(t, "064a", notes[0]["data"])

	radioStates := filter(recs, event.TypeRadioState)
	require.NotEmpty(t, radioStates)
	assert.Equal(t, "OFF", radioStates[len(radioStates)-1]["state"])
}

func TestSimulate_NoPeripherals(t *testing.T) {
	_, err := executeCommand(t, "simulate", "--peripherals", "0")
	assert.ErrorContains(t, err, "at least one peripheral")
}

func TestConfigShow(t *testing.T) {
	t.Setenv("BLESCHED_TASKS_DEFAULT_TIMEOUT", "9s")
	out, err := executeCommand(t, "config", "show")
	require.NoError(t, err)

	assert.Contains(t, out, "config file: (none, using defaults)")
	assert.Contains(t, out, "logging.level = info")
	assert.Contains(t, out, "KIND")
	assert.Regexp(t, `connect\s+high\s+false\s+9s`, out)
	assert.Regexp(t, `scan\s+trivial\s+true\s+none`, out)
	assert.Regexp(t, `bond\s+medium\s+false\s+30s`, out)
}

func TestInvalidConfig(t *testing.T) {
	_, err := executeCommand(t, "config", "show", "--log-level", "loud")
	require.Error(t, err)
	assert.ErrorContains(t, err, "logging.level")
}

func TestSimulate_BadAuthValue(t *testing.T) {
	_, err := executeCommand(t, "simulate", "--auth", "2a00=zz")
	assert.ErrorContains(t, err, "2a00=zz")
}

func TestWritesTxn(t *testing.T) {
	txn, err := writesTxn(nil)
	require.NoError(t, err)
	assert.Nil(t, txn)

	txn, err = writesTxn([]string{"2a00=01", "2a01=0203"})
	require.NoError(t, err)
	assert.NotNil(t, txn)

	_, err = writesTxn([]string{"2a00"})
	assert.Error(t, err)
}

func TestParseWrite(t *testing.T) {
	c, data, err := parseWrite("2a39=0102")
	require.NoError(t, err)
	assert.Equal(t, "2a39", c)
	assert.Equal(t, []byte{1, 2}, data)

	_, _, err = parseWrite("2a39")
	assert.Error(t, err)
	_, _, err = parseWrite("2a39=zz")
	assert.Error(t, err)
}

func TestRecord(t *testing.T) {
	at := time.Unix(100, 0).UTC()
	fe := event.NewFailureEvent(at,
		retry.FailureEvent{Owner: "AA", Status: retry.StatusNativeConnectionFailed, AttemptCount: 2, Err: errors.New("boom")},
		retry.GiveUp())
	rec := record(fe)
	assert.Equal(t, event.TypeFailure, rec["type"])
	assert.Equal(t, "give_up", rec["decision"])
	assert.Equal(t, "boom", rec["error"])
	assert.Equal(t, 2, rec["attempt"])

	rw := event.NewReadWriteEvent(at, "AA", task.KindRead, "2a19", event.RWSuccess, nil)
	rw.Data = []byte{0x64}
	rec = record(rw)
	assert.Equal(t, "64", rec["data"])
	assert.NotContains(t, rec, "error")

	st := event.NewRadioStateEvent(at, state.Event{New: state.Of(0), Enter: state.Of(0)}, state.Names{"OFF"})
	rec = record(st)
	assert.Equal(t, "OFF", rec["state"])
	assert.NotContains(t, rec, "address")
}
