package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SecureElement is the hardware holding the device identity. The device key
// never leaves it; callers can only ask it to sign.
type SecureElement interface {
	// DeviceID returns the identifier provisioned for this device.
	DeviceID() (string, error)

	// HostName returns the ingestion host the device was provisioned against.
	HostName() (string, error)

	// Sign returns HMAC-SHA256(deviceKey, data).
	Sign(data []byte) ([]byte, error)
}

// slotFile is the on-disk provisioning slot layout.
type slotFile struct {
	DeviceID string `yaml:"device_id"`
	HostName string `yaml:"hostname"`
	Key      string `yaml:"key"` // base64
}

// KeyFileElement is a SecureElement backed by a provisioning slot file, for
// hosts whose secure element exposes its slot through the filesystem.
type KeyFileElement struct {
	deviceID string
	hostName string
	key      []byte
}

var _ SecureElement = (*KeyFileElement)(nil)

// OpenKeyFile reads and validates the slot file at path.
//
// A missing or unreadable file is ErrHardwareUnavailable; a readable file with
// missing fields or a key that is not base64 is ErrInvalidSlot (also wrapped
// in ErrHardwareUnavailable, since the element is unusable either way).
func OpenKeyFile(path string) (*KeyFileElement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHardwareUnavailable, err)
	}

	var slot slotFile
	if err := yaml.Unmarshal(data, &slot); err != nil {
		return nil, fmt.Errorf("%w: %w: %w", ErrHardwareUnavailable, ErrInvalidSlot, err)
	}

	switch {
	case slot.DeviceID == "":
		return nil, fmt.Errorf("%w: %w: device_id is empty", ErrHardwareUnavailable, ErrInvalidSlot)
	case slot.HostName == "":
		return nil, fmt.Errorf("%w: %w: hostname is empty", ErrHardwareUnavailable, ErrInvalidSlot)
	}

	key, err := base64.StdEncoding.DecodeString(slot.Key)
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("%w: %w: key is not base64", ErrHardwareUnavailable, ErrInvalidSlot)
	}

	return &KeyFileElement{
		deviceID: slot.DeviceID,
		hostName: slot.HostName,
		key:      key,
	}, nil
}

// DeviceID implements SecureElement.
func (e *KeyFileElement) DeviceID() (string, error) {
	return e.deviceID, nil
}

// HostName implements SecureElement.
func (e *KeyFileElement) HostName() (string, error) {
	return e.hostName, nil
}

// Sign implements SecureElement.
func (e *KeyFileElement) Sign(data []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, e.key)
	mac.Write(data)
	return mac.Sum(nil), nil
}
