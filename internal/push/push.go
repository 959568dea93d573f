// Package push owns the boundary with the platform push-delivery networks.
// The core never interprets payload contents; it hands an opaque device
// token and platform kind to a Sender and reacts to the delivery outcome.
package push

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

type Platform string

const (
	PlatformAPN Platform = "apn"
	PlatformFCM Platform = "fcm"
)

// ErrNotPushRegistered indicates the target device holds no push token.
var ErrNotPushRegistered = errors.New("device not registered for push")

// Notification addresses one delivery attempt.
type Notification struct {
	DeviceToken string
	Platform    Platform
	ACI         uuid.UUID
	DeviceID    uint8
	Urgent      bool
}

// Result is the delivery network's verdict: accepted, rejected with a
// reason, or rejected because the endpoint no longer exists.
type Result struct {
	Accepted        bool
	RejectionReason string
	Unregistered    bool
}

// Sender is one platform delivery network.
type Sender interface {
	Send(ctx context.Context, n Notification) (Result, error)
}
