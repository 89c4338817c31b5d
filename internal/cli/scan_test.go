package cli

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"bluetooth-sched/internal/bluez"
)

func TestListing(t *testing.T) {
	seen := []bluez.Device{
		{Address: "AA:00:00:00:00:02", Name: "band", RSSI: -60},
		{Address: "AA:00:00:00:00:01", RSSI: -70},
	}
	snap := []bluez.Device{
		{Address: "aa:00:00:00:00:01", Alias: "thermo", RSSI: -80, UUIDs: []string{"0000181a-0000-1000-8000-00805f9b34fb"}},
		{Address: "AA:00:00:00:00:03", Name: "cached"},
	}

	tests := []struct {
		name     string
		filtered bool
		want     []string
	}{
		{name: "unfiltered merges both", want: []string{"AA:00:00:00:00:01 thermo -70", "AA:00:00:00:00:02 band -60", "AA:00:00:00:00:03 cached 0"}},
		{name: "filtered keeps snapshot devices", filtered: true, want: []string{"AA:00:00:00:00:01 thermo -70", "AA:00:00:00:00:03 cached 0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, d := range listing(seen, snap, tt.filtered) {
				got = append(got, fmt.Sprintf("%s %s %d", d.Address, d.Name, d.RSSI))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListing_KeepsSnapshotUUIDs(t *testing.T) {
	out := listing(
		[]bluez.Device{{Address: "AA:00:00:00:00:01", RSSI: -50}},
		[]bluez.Device{{Address: "AA:00:00:00:00:01", UUIDs: []string{"180d"}}},
		true,
	)

	if assert.Len(t, out, 1) {
		assert.Equal(t, []string{"180d"}, out[0].UUIDs)
		assert.Equal(t, -50, out[0].RSSI)
	}
}
