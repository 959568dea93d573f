// Package storage implements the authoritative account directory: the
// canonical account records, the uniqueness indices kept consistent with them
// under concurrent writes, and the tombstones that make phone-number
// reclamation safe. Correctness relies entirely on the kv backend's
// conditional writes and bounded transactions; no in-process locks are held.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"e2ee-directory/internal/domain"
	"e2ee-directory/internal/kv"
	"e2ee-directory/internal/observability/metrics"
)

const (
	tableAccounts = "accounts_directory"
	tableNumbers  = "accounts_phone_numbers"
	tablePNIs     = "accounts_phone_number_identifiers"
	tableUsername = "accounts_username_hashes"
	tableDeleted  = "accounts_deleted"
)

// createAttempts bounds the re-read-and-retry loop Create runs when it loses
// a race for the phone number.
const createAttempts = 5

var errRetryCreate = errors.New("create must be retried with fresh state")

// Accounts is the account record store and the transaction orchestrator over
// it. Every mutation that touches more than the primary record runs as one
// all-or-nothing kv transaction, so no reader ever observes an index entry
// whose account does not point back.
type Accounts struct {
	kv           *kv.Store
	tombstoneTTL time.Duration
}

func NewAccounts(store *kv.Store, tombstoneTTL time.Duration) *Accounts {
	return &Accounts{kv: store, tombstoneTTL: tombstoneTTL}
}

// Create claims the account's identifiers and stores the record, clearing any
// tombstone held for the number. It returns true when the identifier slot was
// freshly claimed, including the idempotent re-create of the same ACI with
// the same number.
//
// When the number is held by a different live account, the registration
// instead adopts that account's ACI and PNI, carries over any reclaimable
// username state (see reclaimInto), overwrites the record under its version
// guard, and returns false.
func (a *Accounts) Create(ctx context.Context, account *domain.Account) (bool, error) {
	if account.PNI == uuid.Nil {
		return false, fmt.Errorf("account %s has no phone number identifier", account.ACI)
	}
	for attempt := 0; attempt < createAttempts; attempt++ {
		fresh, err := a.tryCreate(ctx, account)
		if errors.Is(err, errRetryCreate) {
			continue
		}
		if err != nil {
			metrics.AccountOperationsTotal.WithLabelValues("create", "error").Inc()
			return false, err
		}
		metrics.AccountOperationsTotal.WithLabelValues("create", "ok").Inc()
		return fresh, nil
	}
	metrics.AccountOperationsTotal.WithLabelValues("create", "contested").Inc()
	return false, fmt.Errorf("create %s: %w", account.ACI, domain.ErrContested)
}

func (a *Accounts) tryCreate(ctx context.Context, account *domain.Account) (bool, error) {
	aci := account.ACI.String()

	item, err := encodeAccount(account, account.Version)
	if err != nil {
		return false, err
	}

	err = a.kv.Write(ctx,
		// Constraint entries may exist only when this account already owns them.
		kv.Op{
			Table: tableNumbers,
			Key:   account.Number,
			Put:   &kv.Item{Key: account.Number, Owner: aci},
			Cond:  kv.Condition{Absent: true, OwnedBy: aci},
		},
		kv.Op{
			Table: tablePNIs,
			Key:   account.PNI.String(),
			Put:   &kv.Item{Key: account.PNI.String(), Owner: aci},
			Cond:  kv.Condition{Absent: true, OwnedBy: aci},
		},
		// The primary record may be overwritten only by a re-registration of
		// the same number.
		kv.Op{
			Table: tableAccounts,
			Key:   aci,
			Put:   item,
			Cond:  kv.Condition{Absent: true, AttrIs: map[string]string{attrE164: account.Number}},
		},
		// A fresh claim on the number always clears its tombstone.
		kv.Op{Table: tableDeleted, Key: account.Number},
	)
	if err == nil {
		return true, nil
	}

	var cf *kv.ConditionFailedError
	if errors.As(err, &cf) {
		switch cf.Op {
		case 0:
			return false, a.reclaimExisting(ctx, account)
		case 1:
			owner, err := uuid.Parse(cf.Existing.Owner)
			if err != nil {
				return false, fmt.Errorf("index entry %s/%s: %w", tablePNIs, account.PNI, err)
			}
			return false, &domain.ConstraintViolationError{Index: domain.IndexPhoneNumberIdentifier, Owner: owner}
		default:
			return false, &domain.ConstraintViolationError{Index: domain.IndexAccountIdentifier}
		}
	}
	if errors.Is(err, kv.ErrTransactionConflict) {
		metrics.StorageConflictsTotal.WithLabelValues("create", "transaction").Inc()
		return false, errRetryCreate
	}
	return false, err
}

// reclaimExisting handles a registration against a number a live account
// already holds: the new registration takes over that account's identifiers
// and its reclaimable username state, then overwrites the record.
func (a *Accounts) reclaimExisting(ctx context.Context, account *domain.Account) error {
	existing, err := a.GetByE164(ctx, account.Number)
	if err != nil {
		return err
	}
	if existing == nil {
		// The claim disappeared between the failed transaction and this
		// read; start over.
		return errRetryCreate
	}

	reclaimInto(account, existing)

	if err := a.Update(ctx, account); err != nil {
		if errors.Is(err, domain.ErrContested) || errors.Is(err, domain.ErrUnknownAccount) {
			return errRetryCreate
		}
		return err
	}
	return nil
}

// reclaimInto rewrites the incoming registration to continue the existing
// account's identity. A confirmed username hash becomes reclaimable (held as
// a reservation with its link handle preserved); a reservation that itself
// carried a saved link from an earlier reclaim is kept; a plain never-
// confirmed reservation is dropped.
func reclaimInto(account, existing *domain.Account) {
	account.ACI = existing.ACI
	account.PNI = existing.PNI
	account.Version = existing.Version

	account.UsernameHash = nil
	account.ReservedUsernameHash = nil
	account.EncryptedUsername = nil
	account.UsernameLinkHandle = uuid.Nil

	switch {
	case len(existing.UsernameHash) > 0:
		account.ReservedUsernameHash = existing.UsernameHash
		account.UsernameLinkHandle = existing.UsernameLinkHandle
	case len(existing.ReservedUsernameHash) > 0 && existing.UsernameLinkHandle != uuid.Nil:
		account.ReservedUsernameHash = existing.ReservedUsernameHash
		account.UsernameLinkHandle = existing.UsernameLinkHandle
	}
}

// Update persists the account under its version guard. On success the stored
// version is the supplied version + 1 and account.Version is advanced to
// match, so callers can chain further updates.
func (a *Accounts) Update(ctx context.Context, account *domain.Account) error {
	item, err := encodeAccount(account, account.Version+1)
	if err != nil {
		return err
	}

	version := account.Version
	err = a.kv.Write(ctx, kv.Op{
		Table: tableAccounts,
		Key:   account.ACI.String(),
		Put:   item,
		Cond:  kv.Condition{MustExist: true, VersionIs: &version},
	})
	switch {
	case err == nil:
		account.Version++
		return nil
	case isAbsentConditionFailure(err):
		return fmt.Errorf("%w: %s", domain.ErrUnknownAccount, account.ACI)
	default:
		return a.contested("update", err)
	}
}

// Delete removes the primary record and both identifier index entries, drops
// the username constraint when one is held, and writes a tombstone for the
// number, all as one transaction anchored on the account's last-known
// version. Deleting an unknown account is a no-op.
func (a *Accounts) Delete(ctx context.Context, aci uuid.UUID) error {
	account, err := a.GetByAccountIdentifier(ctx, aci)
	if err != nil {
		return err
	}
	if account == nil {
		return nil
	}

	owner := aci.String()
	version := account.Version
	expires := a.kv.Now().Add(a.tombstoneTTL)

	ops := []kv.Op{
		{Table: tableNumbers, Key: account.Number, Cond: kv.Condition{MustExist: true, OwnedBy: owner}},
		{Table: tablePNIs, Key: account.PNI.String(), Cond: kv.Condition{MustExist: true, OwnedBy: owner}},
		{Table: tableAccounts, Key: owner, Cond: kv.Condition{MustExist: true, VersionIs: &version}},
		{
			Table: tableDeleted,
			Key:   account.Number,
			Put:   &kv.Item{Key: account.Number, Owner: owner, ExpiresAt: &expires},
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
		return a.contested("delete", err)
	}
	metrics.AccountOperationsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// ChangeNumber atomically moves the account to a new number and PNI: the old
// index entries are removed, new ones installed, and the record rewritten
// under its version guard. When displacedACI names the account that held the
// new number (already deleted by the caller's orchestration), the vacated
// original number is tombstoned to that account so its user can re-register
// safely. A live foreign claim on the target number or PNI aborts the whole
// transaction.
func (a *Accounts) ChangeNumber(ctx context.Context, account *domain.Account, newNumber string, newPNI uuid.UUID, displacedACI *uuid.UUID) error {
	if newPNI == uuid.Nil {
		return fmt.Errorf("change number for %s: no phone number identifier", account.ACI)
	}

	owner := account.ACI.String()
	originalNumber, originalPNI := account.Number, account.PNI

	updated := *account
	updated.Number = newNumber
	updated.PNI = newPNI
	item, err := encodeAccount(&updated, account.Version+1)
	if err != nil {
		return err
	}

	version := account.Version
	ops := []kv.Op{
		{Table: tableNumbers, Key: originalNumber, Cond: kv.Condition{MustExist: true, OwnedBy: owner}},
		{Table: tablePNIs, Key: originalPNI.String(), Cond: kv.Condition{MustExist: true, OwnedBy: owner}},
		{
			Table: tableNumbers,
			Key:   newNumber,
			Put:   &kv.Item{Key: newNumber, Owner: owner},
			Cond:  kv.Condition{Absent: true, OwnedBy: owner},
		},
		{
			Table: tablePNIs,
			Key:   newPNI.String(),
			Put:   &kv.Item{Key: newPNI.String(), Owner: owner},
			Cond:  kv.Condition{Absent: true, OwnedBy: owner},
		},
		{Table: tableAccounts, Key: owner, Put: item, Cond: kv.Condition{MustExist: true, VersionIs: &version}},
	}
	if displacedACI != nil {
		expires := a.kv.Now().Add(a.tombstoneTTL)
		ops = append(ops, kv.Op{
			Table: tableDeleted,
			Key:   originalNumber,
			Put:   &kv.Item{Key: originalNumber, Owner: displacedACI.String(), ExpiresAt: &expires},
		})
	}

	err = a.kv.Write(ctx, ops...)
	switch {
	case err == nil:
		account.Number = newNumber
		account.PNI = newPNI
		account.Version++
		metrics.AccountOperationsTotal.WithLabelValues("change_number", "ok").Inc()
		return nil
	case errors.Is(err, kv.ErrTransactionConflict):
		metrics.StorageConflictsTotal.WithLabelValues("change_number", "transaction").Inc()
		return fmt.Errorf("change number for %s: %w", account.ACI, domain.ErrContested)
	default:
		var cf *kv.ConditionFailedError
		if errors.As(err, &cf) {
			if cf.Op == 4 && cf.Existing != nil {
				// Version mismatch on the record itself; retry with fresh state.
				metrics.StorageConflictsTotal.WithLabelValues("change_number", "condition").Inc()
				return fmt.Errorf("change number for %s: %w", account.ACI, domain.ErrContested)
			}
			return fmt.Errorf("change number for %s: %w", account.ACI, domain.ErrTransactionAborted)
		}
		return err
	}
}

// FindRecentlyDeletedAccountIdentifier returns the last account identifier
// that held the number, while its deletion tombstone is still retained.
func (a *Accounts) FindRecentlyDeletedAccountIdentifier(ctx context.Context, number string) (*uuid.UUID, error) {
	item, err := a.kv.Get(ctx, tableDeleted, number)
	if err != nil || item == nil {
		return nil, err
	}
	aci, err := uuid.Parse(item.Owner)
	if err != nil {
		return nil, fmt.Errorf("tombstone for %s: %w", number, err)
	}
	return &aci, nil
}

// GetByAccountIdentifier is the point-consistent primary lookup. A miss is
// (nil, nil).
func (a *Accounts) GetByAccountIdentifier(ctx context.Context, aci uuid.UUID) (*domain.Account, error) {
	item, err := a.kv.Get(ctx, tableAccounts, aci.String())
	if err != nil || item == nil {
		return nil, err
	}
	return decodeAccount(item)
}

func (a *Accounts) GetByE164(ctx context.Context, number string) (*domain.Account, error) {
	return a.resolveIndex(ctx, tableNumbers, number)
}

func (a *Accounts) GetByPhoneNumberIdentifier(ctx context.Context, pni uuid.UUID) (*domain.Account, error) {
	return a.resolveIndex(ctx, tablePNIs, pni.String())
}

func (a *Accounts) GetByUsernameLinkHandle(ctx context.Context, handle uuid.UUID) (*domain.Account, error) {
	item, err := a.kv.GetBySecondaryKey(ctx, tableAccounts, handle.String())
	if err != nil || item == nil {
		return nil, err
	}
	return decodeAccount(item)
}

// resolveIndex follows an index entry to its account. An entry whose account
// is missing reads as absent; the delete transaction removes both together,
// so a dangling entry can only be observed through the backend's own lag.
func (a *Accounts) resolveIndex(ctx context.Context, table, key string) (*domain.Account, error) {
	item, err := a.kv.Get(ctx, table, key)
	if err != nil || item == nil {
		return nil, err
	}
	aci, err := uuid.Parse(item.Owner)
	if err != nil {
		return nil, fmt.Errorf("index entry %s/%s: %w", table, key, err)
	}
	return a.GetByAccountIdentifier(ctx, aci)
}

// contested normalizes both backend conflict signals to the one domain
// error callers retry on, while keeping them apart in metrics.
func (a *Accounts) contested(operation string, err error) error {
	var cf *kv.ConditionFailedError
	switch {
	case errors.As(err, &cf):
		metrics.StorageConflictsTotal.WithLabelValues(operation, "condition").Inc()
		return fmt.Errorf("%s: %w", operation, domain.ErrContested)
	case errors.Is(err, kv.ErrTransactionConflict):
		metrics.StorageConflictsTotal.WithLabelValues(operation, "transaction").Inc()
		return fmt.Errorf("%s: %w", operation, domain.ErrContested)
	default:
		return err
	}
}

func isAbsentConditionFailure(err error) bool {
	var cf *kv.ConditionFailedError
	return errors.As(err, &cf) && cf.Existing == nil
}
