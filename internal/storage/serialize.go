package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"e2ee-directory/internal/domain"
	"e2ee-directory/internal/kv"
)

// accountData is the explicit serialization view of an account: exactly the
// fields that belong in the persisted blob, checked at compile time. The ACI
// lives in the item key, the username hash and link handle in item
// attributes, and the version in the item's version column; none of them are
// ever written into the blob.
type accountData struct {
	Number                    string       `json:"number"`
	PNI                       uuid.UUID    `json:"pni,omitempty"`
	Devices                   []deviceData `json:"devices"`
	ReservedUsernameHash      []byte       `json:"reservedUsernameHash,omitempty"`
	EncryptedUsername         []byte       `json:"encryptedUsername,omitempty"`
	DiscoverableByPhoneNumber bool         `json:"discoverableByPhoneNumber"`
	UnidentifiedAccessKey     []byte       `json:"unidentifiedAccessKey,omitempty"`
	LastSeen                  int64        `json:"lastSeen,omitempty"`
}

type deviceData struct {
	ID                  uint8                     `json:"id"`
	Name                string                    `json:"name,omitempty"`
	APNID               string                    `json:"apnId,omitempty"`
	GCMID               string                    `json:"gcmId,omitempty"`
	ACISignedPreKey     *domain.SignedPreKey      `json:"aciSignedPreKey,omitempty"`
	PNISignedPreKey     *domain.SignedPreKey      `json:"pniSignedPreKey,omitempty"`
	FetchesMessages     bool                      `json:"fetchesMessages,omitempty"`
	Created             int64                     `json:"created,omitempty"`
	LastSeen            int64                     `json:"lastSeen,omitempty"`
	UserAgent           string                    `json:"userAgent,omitempty"`
	UninstalledFeedback int64                     `json:"uninstalledFeedback,omitempty"`
	Capabilities        domain.DeviceCapabilities `json:"capabilities,omitempty"`
}

const (
	attrE164         = "e164"
	attrDiscoverable = "discoverable"
	attrUAK          = "uak"
	attrUsernameHash = "username_hash"
)

// usernameKey renders a username hash as a table key.
func usernameKey(hash []byte) string {
	return base64.RawURLEncoding.EncodeToString(hash)
}

func encodeAccount(a *domain.Account, version int64) (*kv.Item, error) {
	data := accountData{
		Number:                    a.Number,
		PNI:                       a.PNI,
		Devices:                   make([]deviceData, 0, len(a.Devices)),
		ReservedUsernameHash:      a.ReservedUsernameHash,
		EncryptedUsername:         a.EncryptedUsername,
		DiscoverableByPhoneNumber: a.DiscoverableByPhoneNumber,
		UnidentifiedAccessKey:     a.UnidentifiedAccessKey,
		LastSeen:                  a.LastSeen,
	}
	for _, d := range a.Devices {
		data.Devices = append(data.Devices, deviceData{
			ID:                  d.ID,
			Name:                d.Name,
			APNID:               d.APNID,
			GCMID:               d.GCMID,
			ACISignedPreKey:     d.ACISignedPreKey,
			PNISignedPreKey:     d.PNISignedPreKey,
			FetchesMessages:     d.FetchesMessages,
			Created:             d.Created,
			LastSeen:            d.LastSeen,
			UserAgent:           d.UserAgent,
			UninstalledFeedback: d.UninstalledFeedback,
			Capabilities:        d.Capabilities,
		})
	}

	blob, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode account %s: %w", a.ACI, err)
	}

	attrs := map[string]string{
		attrE164:         a.Number,
		attrDiscoverable: fmt.Sprintf("%t", a.DiscoverableByPhoneNumber),
	}
	if len(a.UnidentifiedAccessKey) > 0 {
		attrs[attrUAK] = base64.StdEncoding.EncodeToString(a.UnidentifiedAccessKey)
	}
	if len(a.UsernameHash) > 0 {
		attrs[attrUsernameHash] = usernameKey(a.UsernameHash)
	}

	item := &kv.Item{
		Key:     a.ACI.String(),
		Owner:   a.ACI.String(),
		Blob:    blob,
		Version: version,
		Attrs:   attrs,
	}
	if a.UsernameLinkHandle != uuid.Nil {
		item.SecondaryKey = a.UsernameLinkHandle.String()
	}
	return item, nil
}

func decodeAccount(item *kv.Item) (*domain.Account, error) {
	aci, err := uuid.Parse(item.Key)
	if err != nil {
		return nil, &domain.DeserializationError{Key: item.Key, Err: err}
	}

	var data accountData
	if err := json.Unmarshal(item.Blob, &data); err != nil {
		return nil, &domain.DeserializationError{Key: item.Key, Err: err}
	}

	a := &domain.Account{
		ACI:                       aci,
		Number:                    data.Number,
		PNI:                       data.PNI,
		Version:                   item.Version,
		ReservedUsernameHash:      data.ReservedUsernameHash,
		EncryptedUsername:         data.EncryptedUsername,
		DiscoverableByPhoneNumber: data.DiscoverableByPhoneNumber,
		UnidentifiedAccessKey:     data.UnidentifiedAccessKey,
		LastSeen:                  data.LastSeen,
	}

	seen := make(map[uint8]bool, len(data.Devices))
	for _, d := range data.Devices {
		if d.ID == 0 {
			return nil, &domain.DeserializationError{Key: item.Key, Err: fmt.Errorf("invalid device id %d", d.ID)}
		}
		if seen[d.ID] {
			return nil, &domain.DeserializationError{Key: item.Key, Err: fmt.Errorf("duplicate device id %d", d.ID)}
		}
		seen[d.ID] = true
		a.Devices = append(a.Devices, domain.Device{
			ID:                  d.ID,
			Name:                d.Name,
			APNID:               d.APNID,
			GCMID:               d.GCMID,
			ACISignedPreKey:     d.ACISignedPreKey,
			PNISignedPreKey:     d.PNISignedPreKey,
			FetchesMessages:     d.FetchesMessages,
			Created:             d.Created,
			LastSeen:            d.LastSeen,
			UserAgent:           d.UserAgent,
			UninstalledFeedback: d.UninstalledFeedback,
			Capabilities:        d.Capabilities,
		})
	}

	if hash, ok := item.Attrs[attrUsernameHash]; ok && hash != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(hash)
		if err != nil {
			return nil, &domain.DeserializationError{Key: item.Key, Err: err}
		}
		a.UsernameHash = decoded
	}
	if item.SecondaryKey != "" {
		handle, err := uuid.Parse(item.SecondaryKey)
		if err != nil {
			return nil, &domain.DeserializationError{Key: item.Key, Err: err}
		}
		a.UsernameLinkHandle = handle
	}
	return a, nil
}
