package device

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxNameLength = 100
	maxIDLength   = 64
)

// deviceIDPattern accepts MAC addresses (with or without separators) and
// other firmware-chosen identifiers that are safe as an MQTT topic level.
var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9:_\-]+$`)

// ValidateDevice checks a device and its ponds before registration.
func ValidateDevice(d *Device) error {
	if d == nil {
		return fmt.Errorf("%w: nil device", ErrInvalidDevice)
	}
	if d.ID == "" || len(d.ID) > maxIDLength || !deviceIDPattern.MatchString(d.ID) {
		return fmt.Errorf("%w: id %q must be 1-%d characters of [A-Za-z0-9:_-]", ErrInvalidDevice, d.ID, maxIDLength)
	}
	if strings.TrimSpace(d.OwnerID) == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalidDevice)
	}
	if len(d.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, maxNameLength)
	}
	if len(d.Ponds) > 2 {
		return fmt.Errorf("%w: a controller drives at most two ponds", ErrInvalidDevice)
	}

	seen := make(map[int]bool, len(d.Ponds))
	for i := range d.Ponds {
		p := &d.Ponds[i]
		if err := ValidatePond(p); err != nil {
			return err
		}
		if seen[p.Position] {
			return fmt.Errorf("%w: position %d used twice", ErrInvalidPond, p.Position)
		}
		seen[p.Position] = true
	}
	return nil
}

// ValidatePond checks a single pond.
func ValidatePond(p *Pond) error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPond)
	}
	if p.Position != 1 && p.Position != 2 {
		return fmt.Errorf("%w: position must be 1 or 2, got %d", ErrInvalidPond, p.Position)
	}
	if len(p.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidPond, maxNameLength)
	}
	return nil
}
