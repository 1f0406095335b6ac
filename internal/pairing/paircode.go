package pairing

import (
	"fmt"
	"strings"
)

// NormalizeDeviceName converts a human-entered device name into its topic
// form: lowercased, with every space replaced by a hyphen.
//
// No further sanitisation is applied. Names containing '/' produce extra
// topic levels, which the protocol tolerates because SubtopicOf always takes
// the last segment.
//
// Example: "My Quest 3" -> "my-quest-3"
func NormalizeDeviceName(name string) string {
	normalized := strings.ToLower(name)
	return strings.ReplaceAll(normalized, " ", "-")
}

// ValidateDeviceName checks that a device name can identify a session.
// Empty and whitespace-only names are rejected; everything else is accepted
// as-is and normalised by DerivePaircode.
func ValidateDeviceName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: device name cannot be empty", ErrInvalidDeviceName)
	}
	return nil
}

// DerivePaircode builds the shared session identifier both peers compute
// independently from the same app namespace and device name.
//
// The derivation is deterministic: equal inputs always yield equal paircodes,
// which is what lets two processes rendezvous without any registration step.
//
// Example: DerivePaircode("vrlink", "My Quest 3") -> "vrlink/my-quest-3"
func DerivePaircode(app, deviceName string) string {
	return app + "/" + NormalizeDeviceName(deviceName)
}
