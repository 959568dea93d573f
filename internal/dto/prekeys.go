package dto

type PreKeyUpload struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

type StorePreKeysRequest struct {
	PreKeys []PreKeyUpload `json:"preKeys"`
}

type StorePreKeysResponse struct {
	Stored int `json:"stored"`
}

type PreKeyCountResponse struct {
	Count int64 `json:"count"`
}

type TakePreKeyResponse struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Remaining int64  `json:"remaining"`
}
