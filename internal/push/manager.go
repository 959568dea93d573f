package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"e2ee-directory/internal/domain"
	"e2ee-directory/internal/observability/metrics"
	"e2ee-directory/internal/storage"
)

// clearTokenAttempts bounds the contested-retry loop when clearing a dead token.
const clearTokenAttempts = 5

// Manager dispatches notifications to the per-platform senders and keeps the
// directory honest about dead endpoints: an unregistered outcome clears the
// device's token so future sends are not attempted against it.
type Manager struct {
	accounts *storage.Accounts
	apn      Sender
	fcm      Sender
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(accounts *storage.Accounts, apn, fcm Sender, logger *slog.Logger) *Manager {
	return &Manager{accounts: accounts, apn: apn, fcm: fcm, logger: logger, now: time.Now}
}

// SendNewMessageNotification wakes the given device for new message content.
func (m *Manager) SendNewMessageNotification(ctx context.Context, account *domain.Account, deviceID uint8, urgent bool) error {
	device, ok := account.Device(deviceID)
	if !ok {
		return fmt.Errorf("device %d on %s: %w", deviceID, account.ACI, ErrNotPushRegistered)
	}

	token, apn, ok := device.PushToken()
	if !ok {
		return fmt.Errorf("device %d on %s: %w", deviceID, account.ACI, ErrNotPushRegistered)
	}

	platform := PlatformFCM
	sender := m.fcm
	if apn {
		platform = PlatformAPN
		sender = m.apn
	}

	n := Notification{
		DeviceToken: token,
		Platform:    platform,
		ACI:         account.ACI,
		DeviceID:    deviceID,
		Urgent:      urgent,
	}

	result, err := sender.Send(ctx, n)
	if err != nil {
		metrics.PushNotificationsTotal.WithLabelValues(string(platform), "error").Inc()
		return fmt.Errorf("send notification to %s/%d: %w", account.ACI, deviceID, err)
	}

	switch {
	case result.Accepted:
		metrics.PushNotificationsTotal.WithLabelValues(string(platform), "accepted").Inc()
	case result.Unregistered:
		metrics.PushNotificationsTotal.WithLabelValues(string(platform), "unregistered").Inc()
		if err := m.handleDeviceUnregistered(ctx, account.ACI, deviceID, platform, token); err != nil {
			m.logger.Warn("failed to clear dead push token",
				"error", err, "aci", account.ACI, "device_id", deviceID)
		}
	default:
		metrics.PushNotificationsTotal.WithLabelValues(string(platform), "rejected").Inc()
		m.logger.Info("push notification rejected",
			"aci", account.ACI, "device_id", deviceID, "reason", result.RejectionReason)
	}
	return nil
}

// handleDeviceUnregistered clears the device's token, but only while the
// stored token still matches the one the failed send used; a device that
// re-registered in the meantime keeps its fresh token.
func (m *Manager) handleDeviceUnregistered(ctx context.Context, aci uuid.UUID, deviceID uint8, platform Platform, sentToken string) error {
	for attempt := 0; attempt < clearTokenAttempts; attempt++ {
		account, err := m.accounts.GetByAccountIdentifier(ctx, aci)
		if err != nil {
			return err
		}
		if account == nil {
			return nil
		}
		device, ok := account.Device(deviceID)
		if !ok {
			return nil
		}

		switch platform {
		case PlatformAPN:
			if device.APNID != sentToken {
				return nil
			}
			device.APNID = ""
		case PlatformFCM:
			if device.GCMID != sentToken {
				return nil
			}
			device.GCMID = ""
		}
		device.UninstalledFeedback = todayInMillis(m.now())

		err = m.accounts.Update(ctx, account)
		if err == nil {
			m.logger.Info("cleared dead push token",
				"aci", aci, "device_id", deviceID, "platform", platform)
			return nil
		}
		if !errors.Is(err, domain.ErrContested) {
			return err
		}
	}
	return fmt.Errorf("clear token for %s/%d: %w", aci, deviceID, domain.ErrContested)
}

func todayInMillis(now time.Time) int64 {
	day := now.UTC().Truncate(24 * time.Hour)
	return day.UnixMilli()
}
