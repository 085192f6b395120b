// Package ota implements firmware update delivery and boot image management.
//
// Images live in an A/B slot layout under the agent's data directory, with a
// small JSON boot environment recording which slot boots next and what state
// each slot's image is in. Two delivery paths feed the slots: the Updater
// pulls an image from a URL named in an MQTT command, and the Server accepts
// an image pushed over HTTP on the LAN.
//
// Both paths share one invariant: the boot slot selector is only moved after
// the full image has been written, length-verified and fsynced. A freshly
// selected image boots in pending_verify state; the Validator marks it valid
// once the process has survived the validation window, and a crash before
// that rolls the boot slot back on the next start.
package ota
