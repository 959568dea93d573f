package dto

type ReserveUsernameRequest struct {
	UsernameHash string `json:"usernameHash"`
}

type ReserveUsernameResponse struct {
	UsernameHash string `json:"usernameHash"`
	ExpiresIn    int64  `json:"expiresInSeconds"`
}

type ConfirmUsernameRequest struct {
	UsernameHash      string `json:"usernameHash"`
	EncryptedUsername string `json:"encryptedUsername,omitempty"`
}

type ConfirmUsernameResponse struct {
	UsernameHash       string `json:"usernameHash"`
	UsernameLinkHandle string `json:"usernameLinkHandle"`
}

type UsernameAvailableResponse struct {
	Available bool `json:"available"`
}

type UsernameLookupResponse struct {
	ACI string `json:"aci"`
}

type UsernameLinkResponse struct {
	ACI               string `json:"aci"`
	EncryptedUsername string `json:"encryptedUsername,omitempty"`
}
