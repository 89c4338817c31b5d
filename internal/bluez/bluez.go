// Package bluez implements native.Radio on top of the BlueZ D-Bus API.
//
// Requests are translated to method calls on org.bluez objects and issued on
// their own goroutine; completions are handed to the caller's done function.
// PropertiesChanged and InterfacesAdded signals become spontaneous events.
//
// Thread-safety: all methods are safe for concurrent use. Close is
// idempotent.
package bluez

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	gattCharIface   = "org.bluez.GattCharacteristic1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"

	errAlreadyConnected = "org.bluez.Error.AlreadyConnected"
	errInProgress       = "org.bluez.Error.InProgress"
	errAlreadyExists    = "org.bluez.Error.AlreadyExists"
	errNotReady         = "org.bluez.Error.NotReady"

	// baseUUIDSuffix completes 16- and 32-bit Bluetooth UUIDs.
	baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"
)

var (
	ErrUnsupportedPlatform   = errors.New("bluez: only available on linux")
	ErrNoAdapter             = errors.New("bluez: no adapter found")
	ErrCharacteristicMissing = errors.New("bluez: characteristic not found")
	ErrBadAddress            = errors.New("bluez: malformed device address")
)

// Options configures a Radio.
type Options struct {
	// Adapter is the adapter name (hci0). Empty picks the first adapter.
	Adapter string
	// EventBuffer sizes the Events channel. Default 64.
	EventBuffer int
}

// Device is what discovery knows about a peripheral.
type Device struct {
	Path    string
	Address string
	Name    string
	Alias   string
	RSSI    int
	UUIDs   []string
}

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// adapterPath resolves an adapter name to its object path. An empty name
// selects the lowest-numbered adapter present in objs.
func adapterPath(objs managedObjects, name string) (dbus.ObjectPath, error) {
	var found []string
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			found = append(found, string(path))
		}
	}
	if len(found) == 0 {
		return "", ErrNoAdapter
	}
	sort.Strings(found)
	if name == "" {
		return dbus.ObjectPath(found[0]), nil
	}
	for _, p := range found {
		if p == "/org/bluez/"+name {
			return dbus.ObjectPath(p), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoAdapter, name)
}

// devicePath builds the Device1 object path for addr under adapter.
func devicePath(adapter dbus.ObjectPath, addr string) (dbus.ObjectPath, error) {
	parts := strings.Split(addr, ":")
	if len(parts) != 6 {
		return "", fmt.Errorf("%w: %q", ErrBadAddress, addr)
	}
	for _, p := range parts {
		if len(p) != 2 {
			return "", fmt.Errorf("%w: %q", ErrBadAddress, addr)
		}
	}
	return adapter + "/dev_" + dbus.ObjectPath(strings.ToUpper(strings.Join(parts, "_"))), nil
}

// macFromPath extracts the address from a .../dev_XX_XX_XX_XX_XX_XX path.
func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+5:]
	if i := strings.IndexByte(mac, '/'); i >= 0 {
		mac = mac[:i]
	}
	return strings.ReplaceAll(mac, "_", ":")
}

// deviceFromIfaces builds a Device from an object's interfaces. When filter
// is non-empty only devices advertising one of those service UUIDs match.
func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, filter []string) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	dev := Device{Path: string(path)}
	if v, ok := props["UUIDs"]; ok {
		dev.UUIDs, _ = v.Value().([]string)
	}
	if len(filter) > 0 {
		match := false
		for _, f := range filter {
			if containsUUID(dev.UUIDs, f) {
				match = true
				break
			}
		}
		if !match {
			return Device{}, false
		}
	}
	if v, ok := props["Address"]; ok {
		dev.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		dev.Alias, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			dev.RSSI = int(rssi)
		}
	}
	if dev.Address == "" {
		dev.Address = macFromPath(path)
	}
	return dev, true
}

// charPath finds the GattCharacteristic1 object with uuid below devPath.
// When service is non-empty the characteristic must belong to that service.
func charPath(objs managedObjects, devPath dbus.ObjectPath, service, uuid string) (dbus.ObjectPath, error) {
	prefix := string(devPath) + "/"
	var matches []string
	for path, ifaces := range objs {
		props, ok := ifaces[gattCharIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		u, _ := props["UUID"].Value().(string)
		if !sameUUID(u, uuid) {
			continue
		}
		if service != "" {
			svcPath, _ := props["Service"].Value().(dbus.ObjectPath)
			svc, ok := objs[svcPath]["org.bluez.GattService1"]
			if !ok {
				continue
			}
			su, _ := svc["UUID"].Value().(string)
			if !sameUUID(su, service) {
				continue
			}
		}
		matches = append(matches, string(path))
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s on %s", ErrCharacteristicMissing, uuid, macFromPath(devPath))
	}
	sort.Strings(matches)
	return dbus.ObjectPath(matches[0]), nil
}

// anyCharPath returns some characteristic below devPath, for reading the
// negotiated MTU.
func anyCharPath(objs managedObjects, devPath dbus.ObjectPath) (dbus.ObjectPath, bool) {
	prefix := string(devPath) + "/"
	var found []string
	for path, ifaces := range objs {
		if _, ok := ifaces[gattCharIface]; ok && strings.HasPrefix(string(path), prefix) {
			found = append(found, string(path))
		}
	}
	if len(found) == 0 {
		return "", false
	}
	sort.Strings(found)
	return dbus.ObjectPath(found[0]), true
}

// NormalizeUUID expands 16- and 32-bit UUIDs to the 128-bit lower-case form
// BlueZ uses.
func NormalizeUUID(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	u = strings.TrimPrefix(u, "0x")
	switch len(u) {
	case 4:
		return "0000" + u + baseUUIDSuffix
	case 8:
		return u + baseUUIDSuffix
	default:
		return u
	}
}

func sameUUID(a, b string) bool { return NormalizeUUID(a) == NormalizeUUID(b) }

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if sameUUID(s, target) {
			return true
		}
	}
	return false
}

// errorName returns the D-Bus error name carried by err, if any.
func errorName(err error) string {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name
	}
	return ""
}
