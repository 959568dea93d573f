package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"e2ee-directory/internal/domain"
	"e2ee-directory/internal/kv"
	"e2ee-directory/internal/observability/metrics"
)

// ReserveUsernameHash writes a TTL-bounded claim on the hash and records it
// on the account, as one transaction. The constraint entry may be taken when
// it is absent, expired, or already owned by this account without a
// confirmed claim on the same hash. Re-reserving the identical hash the
// account already holds is rejected so a reservation's TTL cannot be
// silently extended. Every conflict surfaces as ErrContested.
func (a *Accounts) ReserveUsernameHash(ctx context.Context, account *domain.Account, hash []byte, ttl time.Duration) error {
	if bytes.Equal(account.ReservedUsernameHash, hash) {
		return fmt.Errorf("reserve username: hash already reserved: %w", domain.ErrContested)
	}
	if bytes.Equal(account.UsernameHash, hash) {
		return fmt.Errorf("reserve username: hash already confirmed: %w", domain.ErrContested)
	}

	owner := account.ACI.String()
	expires := a.kv.Now().Add(ttl)

	updated := *account
	updated.ReservedUsernameHash = hash
	item, err := encodeAccount(&updated, account.Version+1)
	if err != nil {
		return err
	}

	version := account.Version
	err = a.kv.Write(ctx,
		kv.Op{
			Table: tableUsername,
			Key:   usernameKey(hash),
			Put:   &kv.Item{Key: usernameKey(hash), Owner: owner, ExpiresAt: &expires},
			Cond:  kv.Condition{Absent: true, OwnedBy: owner},
		},
		kv.Op{
			Table: tableAccounts,
			Key:   owner,
			Put:   item,
			Cond:  kv.Condition{MustExist: true, VersionIs: &version},
		},
	)
	if err != nil {
		return a.contested("reserve_username", err)
	}

	account.ReservedUsernameHash = hash
	account.Version++
	metrics.AccountOperationsTotal.WithLabelValues("reserve_username", "ok").Inc()
	return nil
}

// ConfirmUsernameHash makes the account's claim on the hash permanent: the
// constraint entry loses its TTL, the reservation is cleared, and the hash
// and encrypted username are stored. An existing link handle is preserved so
// external references survive hash rotation and reclaim; otherwise a new one
// is minted. When the account switches from a previously confirmed hash, the
// old constraint entry is removed in the same transaction.
func (a *Accounts) ConfirmUsernameHash(ctx context.Context, account *domain.Account, hash, encryptedUsername []byte) error {
	if bytes.Equal(account.UsernameHash, hash) {
		return fmt.Errorf("confirm username: hash already confirmed: %w", domain.ErrContested)
	}

	owner := account.ACI.String()

	link := account.UsernameLinkHandle
	if link == uuid.Nil {
		link = uuid.New()
	}

	updated := *account
	updated.ReservedUsernameHash = nil
	updated.UsernameHash = hash
	updated.EncryptedUsername = encryptedUsername
	updated.UsernameLinkHandle = link
	item, err := encodeAccount(&updated, account.Version+1)
	if err != nil {
		return err
	}

	version := account.Version
	ops := []kv.Op{
		{
			Table: tableUsername,
			Key:   usernameKey(hash),
			Put:   &kv.Item{Key: usernameKey(hash), Owner: owner},
			Cond:  kv.Condition{Absent: true, OwnedBy: owner},
		},
		{
			Table: tableAccounts,
			Key:   owner,
			Put:   item,
			Cond:  kv.Condition{MustExist: true, VersionIs: &version},
		},
	}
	if len(account.UsernameHash) > 0 {
		ops = append(ops, kv.Op{
			Table: tableUsername,
			Key:   usernameKey(account.UsernameHash),
			Cond:  kv.Condition{Absent: true, OwnedBy: owner},
		})
	}

	if err := a.kv.Write(ctx, ops...); err != nil {
		return a.contested("confirm_username", err)
	}

	account.ReservedUsernameHash = nil
	account.UsernameHash = hash
	account.EncryptedUsername = encryptedUsername
	account.UsernameLinkHandle = link
	account.Version++
	metrics.AccountOperationsTotal.WithLabelValues("confirm_username", "ok").Inc()
	return nil
}

// ClearUsernameHash removes the account's username state and its constraint
// entry in one transaction. Clearing when nothing is set is a no-op.
func (a *Accounts) ClearUsernameHash(ctx context.Context, account *domain.Account) error {
	if len(account.UsernameHash) == 0 && account.UsernameLinkHandle == uuid.Nil && len(account.EncryptedUsername) == 0 {
		return nil
	}

	owner := account.ACI.String()

	updated := *account
	updated.UsernameHash = nil
	updated.EncryptedUsername = nil
	updated.UsernameLinkHandle = uuid.Nil
	item, err := encodeAccount(&updated, account.Version+1)
	if err != nil {
		return err
	}

	version := account.Version
	ops := []kv.Op{
		{
			Table: tableAccounts,
			Key:   owner,
			Put:   item,
			Cond:  kv.Condition{MustExist: true, VersionIs: &version},
		},
	}
	if len(account.UsernameHash) > 0 {
		ops = append(ops, kv.Op{
			Table: tableUsername,
			Key:   usernameKey(account.UsernameHash),
			Cond:  kv.Condition{Absent: true, OwnedBy: owner},
		})
	}

	if err := a.kv.Write(ctx, ops...); err != nil {
		return a.contested("clear_username", err)
	}

	account.UsernameHash = nil
	account.EncryptedUsername = nil
	account.UsernameLinkHandle = uuid.Nil
	account.Version++
	metrics.AccountOperationsTotal.WithLabelValues("clear_username", "ok").Inc()
	return nil
}

// UsernameHashAvailable reports whether the hash could currently be reserved
// or confirmed: an absent or expired entry is available to anyone, an
// unexpired reservation only to its holder, a confirmed entry to no one.
func (a *Accounts) UsernameHashAvailable(ctx context.Context, reserver *uuid.UUID, hash []byte) (bool, error) {
	item, err := a.kv.Get(ctx, tableUsername, usernameKey(hash))
	if err != nil {
		return false, err
	}
	if item == nil {
		return true, nil
	}
	if item.ExpiresAt == nil {
		return false, nil
	}
	return reserver != nil && item.Owner == reserver.String(), nil
}

// GetByUsernameHash resolves a confirmed username hash to its account.
// Reservations are invisible to lookup; only a confirmed entry resolves.
func (a *Accounts) GetByUsernameHash(ctx context.Context, hash []byte) (*domain.Account, error) {
	item, err := a.kv.Get(ctx, tableUsername, usernameKey(hash))
	if err != nil || item == nil {
		return nil, err
	}
	if item.ExpiresAt != nil {
		return nil, nil
	}
	aci, err := uuid.Parse(item.Owner)
	if err != nil {
		return nil, fmt.Errorf("username entry %s: %w", usernameKey(hash), err)
	}
	return a.GetByAccountIdentifier(ctx, aci)
}
