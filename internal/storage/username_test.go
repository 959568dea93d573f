package storage_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"e2ee-directory/internal/domain"
)

const reservationTTL = 5 * time.Minute

func TestReserveAndConfirmUsername(t *testing.T) {
	accounts, _, _ := setupAccounts(t)
	ctx := context.Background()

	account := newAccount("+14151111111")
	mustCreate(t, accounts, account)

	hash := []byte("hash-1")
	if err := accounts.ReserveUsernameHash(ctx, account, hash, reservationTTL); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !bytes.Equal(account.ReservedUsernameHash, hash) {
		t.Fatalf("reservation not recorded on account: %x", account.ReservedUsernameHash)
	}

	// A reservation is invisible to lookup.
	holder, err := accounts.GetByUsernameHash(ctx, hash)
	if err != nil {
		t.Fatalf("lookup during reservation: %v", err)
	}
	if holder != nil {
		t.Fatalf("reservation must not resolve, got %+v", holder)
	}

	if err := accounts.ConfirmUsernameHash(ctx, account, hash, []byte("enc")); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !bytes.Equal(account.UsernameHash, hash) || account.ReservedUsernameHash != nil {
		t.Fatalf("confirm did not promote the reservation: %+v", account)
	}
	if account.UsernameLinkHandle == uuid.Nil {
		t.Fatal("confirm must mint a link handle")
	}

	holder, err = accounts.GetByUsernameHash(ctx, hash)
	if err != nil {
		t.Fatalf("lookup after confirm: %v", err)
	}
	if holder == nil || holder.ACI != account.ACI {
		t.Fatalf("confirmed hash does not resolve: %+v", holder)
	}
}

func TestReserveTakenHashIsContested(t *testing.T) {
	accounts, _, _ := setupAccounts(t)
	ctx := context.Background()

	first := newAccount("+14151111111")
	mustCreate(t, accounts, first)
	second := newAccount("+14152222222")
	mustCreate(t, accounts, second)

	hash := []byte("contested-hash")
	if err := accounts.ReserveUsernameHash(ctx, first, hash, reservationTTL); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	err := accounts.ReserveUsernameHash(ctx, second, hash, reservationTTL)
	if !errors.Is(err, domain.ErrContested) {
		t.Fatalf("expected ErrContested, got %v", err)
	}
	// The losing account is untouched.
	if second.ReservedUsernameHash != nil {
		t.Fatalf("loser's account mutated: %x", second.ReservedUsernameHash)
	}
}

func TestReserveExpiredHashSucceeds(t *testing.T) {
	accounts, _, clock := setupAccounts(t)
	ctx := context.Background()

	first := newAccount("+14151111111")
	mustCreate(t, accounts, first)
	second := newAccount("+14152222222")
	mustCreate(t, accounts, second)

	hash := []byte("recycled-hash")
	if err := accounts.ReserveUsernameHash(ctx, first, hash, reservationTTL); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	clock.Advance(reservationTTL + time.Second)
	if err := accounts.ReserveUsernameHash(ctx, second, hash, reservationTTL); err != nil {
		t.Fatalf("reserve over expired reservation: %v", err)
	}
}

func TestReserveSameHashAgainIsContested(t *testing.T) {
	accounts, _, _ := setupAccounts(t)
	ctx := context.Background()

	account := newAccount("+14151111111")
	mustCreate(t, accounts, account)

	hash := []byte("hash-1")
	if err := accounts.ReserveUsernameHash(ctx, account, hash, reservationTTL); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Re-reserving would silently extend the TTL.
	err := accounts.ReserveUsernameHash(ctx, account, hash, reservationTTL)
	if !errors.Is(err, domain.ErrContested) {
		t.Fatalf("expected ErrContested, got %v", err)
	}
}

func TestConfirmExpiredReservationStillHeldRowSucceedsAfterExpiry(t *testing.T) {
	accounts, _, clock := setupAccounts(t)
	ctx := context.Background()

	account := newAccount("+14151111111")
	mustCreate(t, accounts, account)

	hash := []byte("late-hash")
	if err := accounts.ReserveUsernameHash(ctx, account, hash, reservationTTL); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Expiry makes the row absent; the confirm claims it fresh. Nobody else
	// has taken it, so the late confirm still succeeds.
	clock.Advance(reservationTTL + time.Second)
	if err := accounts.ConfirmUsernameHash(ctx, account, hash, nil); err != nil {
		t.Fatalf("late confirm: %v", err)
	}
}

func TestConfirmHashTakenByOtherAccountIsContested(t *testing.T) {
	accounts, _, _ := setupAccounts(t)
	ctx := context.Background()

	first := newAccount("+14151111111")
	mustCreate(t, accounts, first)
	second := newAccount("+14152222222")
	mustCreate(t, accounts, second)

	hash := []byte("hash-1")
	if err := accounts.ConfirmUsernameHash(ctx, first, hash, nil); err != nil {
		t.Fatalf("first confirm: %v", err)
	}

	err := accounts.ConfirmUsernameHash(ctx, second, hash, nil)
	if !errors.Is(err, domain.ErrContested) {
		t.Fatalf("expected ErrContested, got %v", err)
	}
}

func TestConfirmSwitchingHashesFreesOldHashAndKeepsLink(t *testing.T) {
	accounts, _, _ := setupAccounts(t)
	ctx := context.Background()

	account := newAccount("+14151111111")
	mustCreate(t, accounts, account)

	oldHash := []byte("old-hash")
	if err := accounts.ConfirmUsernameHash(ctx, account, oldHash, nil); err != nil {
		t.Fatalf("confirm old: %v", err)
	}
	link := account.UsernameLinkHandle

	newHash := []byte("new-hash")
	if err := accounts.ConfirmUsernameHash(ctx, account, newHash, nil); err != nil {
		t.Fatalf("confirm new: %v", err)
	}
	if account.UsernameLinkHandle != link {
		t.Fatal("link handle must survive hash rotation")
	}

	// The old hash is free again.
	available, err := accounts.UsernameHashAvailable(ctx, nil, oldHash)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if !available {
		t.Fatal("old hash must be released on switch")
	}
	holder, err := accounts.GetByUsernameHash(ctx, newHash)
	if err != nil {
		t.Fatalf("lookup new hash: %v", err)
	}
	if holder == nil || holder.ACI != account.ACI {
		t.Fatalf("new hash does not resolve: %+v", holder)
	}
}

func TestConfirmSameHashAgainIsContested(t *testing.T) {
	accounts, _, _ := setupAccounts(t)
	ctx := context.Background()

	account := newAccount("+14151111111")
	mustCreate(t, accounts, account)

	hash := []byte("hash-1")
	if err := accounts.ConfirmUsernameHash(ctx, account, hash, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	err := accounts.ConfirmUsernameHash(ctx, account, hash, nil)
	if !errors.Is(err, domain.ErrContested) {
		t.Fatalf("expected ErrContested, got %v", err)
	}
}

func TestClearUsername(t *testing.T) {
	accounts, _, _ := setupAccounts(t)
	ctx := context.Background()

	account := newAccount("+14151111111")
	mustCreate(t, accounts, account)

	hash := []byte("hash-1")
	if err := accounts.ConfirmUsernameHash(ctx, account, hash, []byte("enc")); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if err := accounts.ClearUsernameHash(ctx, account); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if account.UsernameHash != nil || account.EncryptedUsername != nil || account.UsernameLinkHandle != uuid.Nil {
		t.Fatalf("clear left state behind: %+v", account)
	}

	available, err := accounts.UsernameHashAvailable(ctx, nil, hash)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if !available {
		t.Fatal("cleared hash must be available")
	}
	if got, _ := accounts.GetByUsernameHash(ctx, hash); got != nil {
		t.Fatalf("cleared hash still resolves: %+v", got)
	}
}

func TestClearUsernameWithoutStateIsNoOp(t *testing.T) {
	accounts, _, _ := setupAccounts(t)
	ctx := context.Background()

	account := newAccount("+14151111111")
	mustCreate(t, accounts, account)

	version := account.Version
	if err := accounts.ClearUsernameHash(ctx, account); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if account.Version != version {
		t.Fatal("no-op clear must not touch the record")
	}
}

func TestUsernameHashAvailability(t *testing.T) {
	accounts, _, clock := setupAccounts(t)
	ctx := context.Background()

	account := newAccount("+14151111111")
	mustCreate(t, accounts, account)

	hash := []byte("avail-hash")

	// Absent: available to anyone.
	available, err := accounts.UsernameHashAvailable(ctx, nil, hash)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if !available {
		t.Fatal("absent hash must be available")
	}

	if err := accounts.ReserveUsernameHash(ctx, account, hash, reservationTTL); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Reserved: available only to the holder.
	available, _ = accounts.UsernameHashAvailable(ctx, nil, hash)
	if available {
		t.Fatal("reserved hash must not be generally available")
	}
	holderID := account.ACI
	available, _ = accounts.UsernameHashAvailable(ctx, &holderID, hash)
	if !available {
		t.Fatal("reserved hash must be available to its holder")
	}
	other := uuid.New()
	available, _ = accounts.UsernameHashAvailable(ctx, &other, hash)
	if available {
		t.Fatal("reserved hash must not be available to another account")
	}

	// Expired reservation: available to anyone again.
	clock.Advance(reservationTTL + time.Second)
	available, _ = accounts.UsernameHashAvailable(ctx, &other, hash)
	if !available {
		t.Fatal("expired reservation must be available")
	}
	clock.Advance(-(reservationTTL + time.Second))

	// Confirmed: available to no one, not even the holder.
	if err := accounts.ConfirmUsernameHash(ctx, account, hash, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	available, _ = accounts.UsernameHashAvailable(ctx, &holderID, hash)
	if available {
		t.Fatal("confirmed hash must not be available to anyone")
	}
}
