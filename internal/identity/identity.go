// Package identity derives the device identity from the network hardware
// address. Every MQTT topic and the broker client ID embed this identity, so
// it must be a pure function of the MAC bytes: the same hardware always maps
// to the same strings.
package identity

import (
	"errors"
	"fmt"
	"net"
)

// macLen is the number of bytes in an EUI-48 hardware address.
const macLen = 6

// ErrNoHardwareAddr is returned when an interface has no usable MAC address.
var ErrNoHardwareAddr = errors.New("identity: interface has no hardware address")

// FromHardwareAddr formats a 6-byte MAC as a 12-character lowercase hex
// string with no separators, e.g. AA:BB:CC:DD:EE:FF -> "aabbccddeeff".
func FromHardwareAddr(mac net.HardwareAddr) (string, error) {
	if len(mac) != macLen {
		return "", fmt.Errorf("identity: want %d MAC bytes, got %d", macLen, len(mac))
	}
	return fmt.Sprintf("%02x%02x%02x%02x%02x%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5]), nil
}

// FromInterface derives the device identity from the named network interface.
func FromInterface(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("identity: looking up interface %s: %w", name, err)
	}
	if len(iface.HardwareAddr) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoHardwareAddr, name)
	}
	return FromHardwareAddr(iface.HardwareAddr)
}

// ClientID returns the MQTT client identifier for a device identity.
func ClientID(deviceID string) string {
	return fmt.Sprintf("grid-monitor-%s", deviceID)
}
