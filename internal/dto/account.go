package dto

type DeviceResponse struct {
	ID       uint8  `json:"id"`
	Name     string `json:"name,omitempty"`
	Created  int64  `json:"created"`
	LastSeen int64  `json:"lastSeen"`
}

type AccountResponse struct {
	ACI                       string           `json:"aci"`
	Number                    string           `json:"number"`
	PNI                       string           `json:"pni"`
	Version                   int64            `json:"version"`
	DiscoverableByPhoneNumber bool             `json:"discoverableByPhoneNumber"`
	UsernameHash              string           `json:"usernameHash,omitempty"`
	UsernameLinkHandle        string           `json:"usernameLinkHandle,omitempty"`
	Devices                   []DeviceResponse `json:"devices"`
}

type CreateAccountRequest struct {
	ACI                       string `json:"aci"`
	Number                    string `json:"number"`
	PNI                       string `json:"pni"`
	DiscoverableByPhoneNumber bool   `json:"discoverableByPhoneNumber"`
	UnidentifiedAccessKey     string `json:"unidentifiedAccessKey,omitempty"`
}

type CreateAccountResponse struct {
	Account   AccountResponse `json:"account"`
	Reclaimed bool            `json:"reclaimed"`
}

type ChangeNumberRequest struct {
	Number string `json:"number"`
	PNI    string `json:"pni"`
}
