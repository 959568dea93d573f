package domain

// PrimaryDeviceID is the id of the one device every account must keep.
const PrimaryDeviceID uint8 = 1

// IdentityType distinguishes the two key identities a device holds material for.
type IdentityType string

const (
	IdentityACI IdentityType = "aci"
	IdentityPNI IdentityType = "pni"
)

// SignedPreKey is an opaque signed pre-key blob for one identity type.
type SignedPreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

type DeviceCapabilities struct {
	Storage    bool `json:"storage,omitempty"`
	DeleteSync bool `json:"deleteSync,omitempty"`
}

// Device is owned exclusively by its Account; its lifecycle is bound to the
// account's. Push tokens are opaque platform strings and are never
// interpreted here.
type Device struct {
	ID   uint8
	Name string

	APNID string
	GCMID string

	ACISignedPreKey *SignedPreKey
	PNISignedPreKey *SignedPreKey

	FetchesMessages     bool
	Created             int64
	LastSeen            int64
	UserAgent           string
	UninstalledFeedback int64
	Capabilities        DeviceCapabilities
}

// SignedPreKey returns the signed pre-key for the given identity type.
func (d *Device) SignedPreKey(t IdentityType) *SignedPreKey {
	switch t {
	case IdentityPNI:
		return d.PNISignedPreKey
	default:
		return d.ACISignedPreKey
	}
}

func (d *Device) SetSignedPreKey(t IdentityType, k *SignedPreKey) {
	switch t {
	case IdentityPNI:
		d.PNISignedPreKey = k
	default:
		d.ACISignedPreKey = k
	}
}

// PushToken returns the device's current push token and its platform kind,
// preferring FCM when both are somehow set.
func (d *Device) PushToken() (token string, apn bool, ok bool) {
	if d.GCMID != "" {
		return d.GCMID, false, true
	}
	if d.APNID != "" {
		return d.APNID, true, true
	}
	return "", false, false
}
