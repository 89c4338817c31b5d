package device

import "bluetooth-sched/internal/state"

// Device states. Several are true at once: a bonded, initialized device is
// {DISCOVERED, BONDED, CONNECTED, SERVICES_DISCOVERED, INITIALIZED}.
const (
	Discovered state.State = iota
	Disconnected
	// RetryingConnection is set while a failed connection is being retried.
	RetryingConnection
	// ReconnectingLongTerm is set while the device tries to come back after
	// an unexpected disconnect.
	ReconnectingLongTerm
	Unbonded
	Bonding
	Bonded
	// ConnectingOverall spans the whole connect sequence, from the native
	// connect through the authentication and initialization transactions.
	ConnectingOverall
	Connecting
	Connected
	DiscoveringServices
	ServicesDiscovered
	// Authenticating is set while the configured authentication transaction
	// runs. Without one the device goes straight to Authenticated.
	Authenticating
	Authenticated
	// Initializing is set while the configured initialization transaction
	// runs.
	Initializing
	// Initialized means the device is connected and ready for reads and writes.
	Initialized
)

// Names labels the device states.
var Names = state.Names{
	"DISCOVERED",
	"DISCONNECTED",
	"RETRYING_CONNECTION",
	"RECONNECTING_LONG_TERM",
	"UNBONDED",
	"BONDING",
	"BONDED",
	"CONNECTING_OVERALL",
	"CONNECTING",
	"CONNECTED",
	"DISCOVERING_SERVICES",
	"SERVICES_DISCOVERED",
	"AUTHENTICATING",
	"AUTHENTICATED",
	"INITIALIZING",
	"INITIALIZED",
}

var (
	// bondMask and Discovered survive connection changes.
	bondMask = state.Of(Unbonded, Bonding, Bonded)

	// connectionMask is every state the connect sequence touches.
	connectionMask = state.Of(Disconnected, RetryingConnection, ReconnectingLongTerm,
		ConnectingOverall, Connecting, Connected, DiscoveringServices, ServicesDiscovered,
		Authenticating, Authenticated, Initializing, Initialized)

	inSequence = state.Of(ConnectingOverall, Connecting, DiscoveringServices, Authenticating, Initializing)
	linkUp     = state.Of(Connected, Initialized)

	// requestReady is where reads and writes are accepted: a running
	// transaction issues its own requests before INITIALIZED.
	requestReady = state.Of(Authenticating, Initializing, Initialized)
)

// connectionOrder ranks how far a connect sequence got.
var connectionOrder = []state.State{
	Connecting, Connected, DiscoveringServices, ServicesDiscovered,
	Authenticating, Authenticated, Initializing, Initialized,
}

// TransitoryConnectionState returns the furthest connection step present in
// m and whether any was.
func TransitoryConnectionState(m state.Mask) (state.State, bool) {
	for i := len(connectionOrder) - 1; i >= 0; i-- {
		if m.Has(connectionOrder[i]) {
			return connectionOrder[i], true
		}
	}
	return Disconnected, false
}
