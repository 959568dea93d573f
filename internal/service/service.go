// Package service composes the storage core with its external collaborators:
// pre-key storage, message queues, and presence tracking. Storage owns only
// the account record; the collaborators are invoked as a logical script
// around the storage transaction, never inside it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"e2ee-directory/internal/domain"
	"e2ee-directory/internal/keys"
	"e2ee-directory/internal/storage"
)

// ErrAccountNotFound is returned by operations that require an existing account.
var ErrAccountNotFound = errors.New("account not found")

// updateAttempts bounds contested-retry loops on read-modify-update flows.
const updateAttempts = 5

// MessagesClient clears a device's pending-message queue.
type MessagesClient interface {
	Clear(ctx context.Context, aci uuid.UUID, deviceID uint8) error
}

// PresenceClient terminates a device's live connection state.
type PresenceClient interface {
	Disconnect(ctx context.Context, aci uuid.UUID, deviceID uint8) error
}

type Service struct {
	accounts *storage.Accounts
	preKeys  *keys.Store
	messages MessagesClient
	presence PresenceClient
	logger   *slog.Logger
}

func New(accounts *storage.Accounts, preKeys *keys.Store, messages MessagesClient, presence PresenceClient, logger *slog.Logger) *Service {
	return &Service{accounts: accounts, preKeys: preKeys, messages: messages, presence: presence, logger: logger}
}

func (s *Service) Accounts() *storage.Accounts { return s.accounts }

func (s *Service) PreKeys() *keys.Store { return s.preKeys }

// RemoveDevice removes the device from the account record, then deletes its
// stored pre-keys, clears its message queue, and disconnects its presence
// state. The primary device can never be removed.
func (s *Service) RemoveDevice(ctx context.Context, aci uuid.UUID, deviceID uint8) error {
	if deviceID == domain.PrimaryDeviceID {
		return domain.ErrPrimaryDevice
	}

	if err := s.updateAccount(ctx, aci, func(account *domain.Account) error {
		return account.RemoveDevice(deviceID)
	}); err != nil {
		return err
	}

	if err := s.preKeys.DeleteDevice(ctx, aci, deviceID); err != nil {
		return fmt.Errorf("delete pre-keys for %s/%d: %w", aci, deviceID, err)
	}
	if err := s.messages.Clear(ctx, aci, deviceID); err != nil {
		return fmt.Errorf("clear message queue for %s/%d: %w", aci, deviceID, err)
	}
	if err := s.presence.Disconnect(ctx, aci, deviceID); err != nil {
		return fmt.Errorf("disconnect presence for %s/%d: %w", aci, deviceID, err)
	}

	s.logger.Info("device removed", "aci", aci, "device_id", deviceID)
	return nil
}

// DeleteAccount deletes the directory record and every collaborator's state
// for the account.
func (s *Service) DeleteAccount(ctx context.Context, aci uuid.UUID) error {
	account, err := s.accounts.GetByAccountIdentifier(ctx, aci)
	if err != nil {
		return err
	}
	if account == nil {
		return ErrAccountNotFound
	}

	if err := s.accounts.Delete(ctx, aci); err != nil {
		return err
	}
	if err := s.preKeys.DeleteAccount(ctx, aci); err != nil {
		return fmt.Errorf("delete pre-keys for %s: %w", aci, err)
	}
	for _, device := range account.Devices {
		if err := s.messages.Clear(ctx, aci, device.ID); err != nil {
			s.logger.Warn("failed to clear message queue", "error", err, "aci", aci, "device_id", device.ID)
		}
		if err := s.presence.Disconnect(ctx, aci, device.ID); err != nil {
			s.logger.Warn("failed to disconnect presence", "error", err, "aci", aci, "device_id", device.ID)
		}
	}

	s.logger.Info("account deleted", "aci", aci, "number", account.Number)
	return nil
}

// ReserveUsername reserves the hash for the account for the given TTL.
func (s *Service) ReserveUsername(ctx context.Context, aci uuid.UUID, hash []byte, ttl time.Duration) (*domain.Account, error) {
	account, err := s.requireAccount(ctx, aci)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.ReserveUsernameHash(ctx, account, hash, ttl); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Service) ConfirmUsername(ctx context.Context, aci uuid.UUID, hash, encryptedUsername []byte) (*domain.Account, error) {
	account, err := s.requireAccount(ctx, aci)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.ConfirmUsernameHash(ctx, account, hash, encryptedUsername); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Service) ClearUsername(ctx context.Context, aci uuid.UUID) error {
	account, err := s.requireAccount(ctx, aci)
	if err != nil {
		return err
	}
	return s.accounts.ClearUsernameHash(ctx, account)
}

// ChangeNumber moves the account to a new number and PNI. When a different
// live account holds the target number, it is deleted first and its
// identifier recorded as displaced so the vacated number is tombstoned to it.
func (s *Service) ChangeNumber(ctx context.Context, aci uuid.UUID, newNumber string, newPNI uuid.UUID) (*domain.Account, error) {
	account, err := s.requireAccount(ctx, aci)
	if err != nil {
		return nil, err
	}
	if account.Number == newNumber {
		return account, nil
	}

	var displaced *uuid.UUID
	holder, err := s.accounts.GetByE164(ctx, newNumber)
	if err != nil {
		return nil, err
	}
	if holder != nil && holder.ACI != aci {
		if err := s.DeleteAccount(ctx, holder.ACI); err != nil {
			return nil, fmt.Errorf("displace %s: %w", holder.ACI, err)
		}
		// The displaced account's tombstone must follow the number being
		// vacated, not the one it lost; the change-number transaction
		// rewrites it.
		id := holder.ACI
		displaced = &id
	}

	if err := s.accounts.ChangeNumber(ctx, account, newNumber, newPNI, displaced); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Service) requireAccount(ctx context.Context, aci uuid.UUID) (*domain.Account, error) {
	account, err := s.accounts.GetByAccountIdentifier(ctx, aci)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, aci)
	}
	return account, nil
}

// updateAccount runs a read-modify-update loop, re-reading on contested writes.
func (s *Service) updateAccount(ctx context.Context, aci uuid.UUID, mutate func(*domain.Account) error) error {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		account, err := s.accounts.GetByAccountIdentifier(ctx, aci)
		if err != nil {
			return err
		}
		if account == nil {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, aci)
		}
		if err := mutate(account); err != nil {
			return err
		}
		err = s.accounts.Update(ctx, account)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrContested) {
			return err
		}
	}
	return fmt.Errorf("update %s: %w", aci, domain.ErrContested)
}
