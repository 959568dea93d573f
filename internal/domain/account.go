package domain

import (
	"github.com/google/uuid"
)

// Account is the canonical directory record for a registered user. The ACI is
// the stable primary identifier; the phone number and PNI may change together
// through a change-number operation but never independently.
type Account struct {
	ACI     uuid.UUID
	Number  string
	PNI     uuid.UUID
	Devices []Device

	// Version is the optimistic-concurrency counter. Every successful update
	// stores the supplied version + 1; a mismatch surfaces as ErrContested.
	Version int64

	UsernameHash         []byte
	ReservedUsernameHash []byte
	// UsernameLinkHandle is a stable public reference to the encrypted
	// username. It survives hash rotation and reclaim; uuid.Nil means unset.
	UsernameLinkHandle uuid.UUID
	EncryptedUsername  []byte

	DiscoverableByPhoneNumber bool
	UnidentifiedAccessKey     []byte
	LastSeen                  int64
}

// Device returns the device with the given id, if present.
func (a *Account) Device(id uint8) (*Device, bool) {
	for i := range a.Devices {
		if a.Devices[i].ID == id {
			return &a.Devices[i], true
		}
	}
	return nil, false
}

func (a *Account) PrimaryDevice() (*Device, bool) {
	return a.Device(PrimaryDeviceID)
}

// AddDevice inserts the device, replacing any existing device with the same id.
func (a *Account) AddDevice(d Device) {
	for i := range a.Devices {
		if a.Devices[i].ID == d.ID {
			a.Devices[i] = d
			return
		}
	}
	a.Devices = append(a.Devices, d)
}

// RemoveDevice removes the device with the given id. The primary device can
// never be removed.
func (a *Account) RemoveDevice(id uint8) error {
	if id == PrimaryDeviceID {
		return ErrPrimaryDevice
	}
	for i := range a.Devices {
		if a.Devices[i].ID == id {
			a.Devices = append(a.Devices[:i], a.Devices[i+1:]...)
			return nil
		}
	}
	return nil
}

// NextDeviceID returns the smallest unused device id above the primary.
func (a *Account) NextDeviceID() uint8 {
	taken := make(map[uint8]bool, len(a.Devices))
	for _, d := range a.Devices {
		taken[d.ID] = true
	}
	for id := PrimaryDeviceID + 1; id > 0; id++ {
		if !taken[id] {
			return id
		}
	}
	return 0
}
