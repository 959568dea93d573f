package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"e2ee-directory/internal/domain"
	"e2ee-directory/internal/keys"
	"e2ee-directory/internal/kv"
	"e2ee-directory/internal/service"
	"e2ee-directory/internal/storage"
)

type call struct {
	aci      uuid.UUID
	deviceID uint8
}

type fakeMessages struct {
	cleared []call
	err     error
}

func (f *fakeMessages) Clear(_ context.Context, aci uuid.UUID, deviceID uint8) error {
	f.cleared = append(f.cleared, call{aci, deviceID})
	return f.err
}

type fakePresence struct {
	disconnected []call
	err          error
}

func (f *fakePresence) Disconnect(_ context.Context, aci uuid.UUID, deviceID uint8) error {
	f.disconnected = append(f.disconnected, call{aci, deviceID})
	return f.err
}

func setupService(t *testing.T) (*service.Service, *keys.Store, *fakeMessages, *fakePresence) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := kv.New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate kv: %v", err)
	}
	preKeys := keys.NewStore(db)
	if err := preKeys.Migrate(); err != nil {
		t.Fatalf("migrate keys: %v", err)
	}

	accounts := storage.NewAccounts(store, 30*24*time.Hour)
	messages := &fakeMessages{}
	presence := &fakePresence{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return service.New(accounts, preKeys, messages, presence, logger), preKeys, messages, presence
}

func createLinkedAccount(t *testing.T, svc *service.Service) *domain.Account {
	t.Helper()
	account := &domain.Account{ACI: uuid.New(), Number: "+14151111111", PNI: uuid.New()}
	account.AddDevice(domain.Device{ID: domain.PrimaryDeviceID, FetchesMessages: true})
	account.AddDevice(domain.Device{ID: 2, Name: "tablet"})
	if _, err := svc.Accounts().Create(context.Background(), account); err != nil {
		t.Fatalf("create: %v", err)
	}
	return account
}

func TestRemoveDevice(t *testing.T) {
	svc, preKeys, messages, presence := setupService(t)
	ctx := context.Background()

	account := createLinkedAccount(t, svc)
	if err := preKeys.Store(ctx, account.ACI, 2, []keys.PreKey{{KeyID: 1, PublicKey: []byte("pk")}}); err != nil {
		t.Fatalf("seed pre-keys: %v", err)
	}

	if err := svc.RemoveDevice(ctx, account.ACI, 2); err != nil {
		t.Fatalf("remove device: %v", err)
	}

	stored, err := svc.Accounts().GetByAccountIdentifier(ctx, account.ACI)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := stored.Device(2); ok {
		t.Fatal("device 2 still on the account")
	}
	if count, _ := preKeys.Count(ctx, account.ACI, 2); count != 0 {
		t.Fatalf("pre-keys survived: %d", count)
	}
	if len(messages.cleared) != 1 || messages.cleared[0] != (call{account.ACI, 2}) {
		t.Fatalf("message queue not cleared: %+v", messages.cleared)
	}
	if len(presence.disconnected) != 1 || presence.disconnected[0] != (call{account.ACI, 2}) {
		t.Fatalf("presence not disconnected: %+v", presence.disconnected)
	}
}

func TestRemoveDeviceRefusesPrimary(t *testing.T) {
	svc, _, messages, _ := setupService(t)

	account := createLinkedAccount(t, svc)
	err := svc.RemoveDevice(context.Background(), account.ACI, domain.PrimaryDeviceID)
	if !errors.Is(err, domain.ErrPrimaryDevice) {
		t.Fatalf("expected ErrPrimaryDevice, got %v", err)
	}
	if len(messages.cleared) != 0 {
		t.Fatal("collaborators must not be touched on refusal")
	}
}

func TestRemoveDeviceUnknownAccount(t *testing.T) {
	svc, _, _, _ := setupService(t)

	err := svc.RemoveDevice(context.Background(), uuid.New(), 2)
	if !errors.Is(err, service.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestDeleteAccount(t *testing.T) {
	svc, preKeys, messages, presence := setupService(t)
	ctx := context.Background()

	account := createLinkedAccount(t, svc)
	if err := preKeys.Store(ctx, account.ACI, 1, []keys.PreKey{{KeyID: 1, PublicKey: []byte("pk")}}); err != nil {
		t.Fatalf("seed pre-keys: %v", err)
	}

	if err := svc.DeleteAccount(ctx, account.ACI); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if got, _ := svc.Accounts().GetByAccountIdentifier(ctx, account.ACI); got != nil {
		t.Fatalf("account survived: %+v", got)
	}
	if count, _ := preKeys.Count(ctx, account.ACI, 1); count != 0 {
		t.Fatalf("pre-keys survived: %d", count)
	}
	// Every device's queue and presence is torn down.
	if len(messages.cleared) != 2 || len(presence.disconnected) != 2 {
		t.Fatalf("collaborator teardown incomplete: messages=%d presence=%d",
			len(messages.cleared), len(presence.disconnected))
	}

	err := svc.DeleteAccount(ctx, account.ACI)
	if !errors.Is(err, service.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound on second delete, got %v", err)
	}
}

func TestChangeNumberDisplacesHolder(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	mover := createLinkedAccount(t, svc)

	holder := &domain.Account{ACI: uuid.New(), Number: "+14152222222", PNI: uuid.New()}
	holder.AddDevice(domain.Device{ID: domain.PrimaryDeviceID})
	if _, err := svc.Accounts().Create(ctx, holder); err != nil {
		t.Fatalf("create holder: %v", err)
	}

	originalNumber := mover.Number
	updated, err := svc.ChangeNumber(ctx, mover.ACI, holder.Number, uuid.New())
	if err != nil {
		t.Fatalf("change number: %v", err)
	}
	if updated.Number != holder.Number {
		t.Fatalf("number not changed: %+v", updated)
	}

	// The displaced holder is gone and the vacated number is tombstoned to it.
	if got, _ := svc.Accounts().GetByAccountIdentifier(ctx, holder.ACI); got != nil {
		t.Fatalf("displaced holder survived: %+v", got)
	}
	displaced, err := svc.Accounts().FindRecentlyDeletedAccountIdentifier(ctx, originalNumber)
	if err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	if displaced == nil || *displaced != holder.ACI {
		t.Fatalf("expected vacated number tombstoned to %s, got %v", holder.ACI, displaced)
	}
}

func TestChangeNumberToSameNumberIsNoOp(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	account := createLinkedAccount(t, svc)
	version := account.Version

	updated, err := svc.ChangeNumber(ctx, account.ACI, account.Number, uuid.New())
	if err != nil {
		t.Fatalf("change to same number: %v", err)
	}
	if updated.Version != version {
		t.Fatal("same-number change must not rewrite the record")
	}
}

func TestReserveAndConfirmUsernameFlow(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	account := createLinkedAccount(t, svc)
	hash := []byte("service-hash")

	if _, err := svc.ReserveUsername(ctx, account.ACI, hash, 5*time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	confirmed, err := svc.ConfirmUsername(ctx, account.ACI, hash, []byte("enc"))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.UsernameLinkHandle == uuid.Nil {
		t.Fatal("confirm must mint a link handle")
	}

	if err := svc.ClearUsername(ctx, account.ACI); err != nil {
		t.Fatalf("clear: %v", err)
	}
	available, err := svc.Accounts().UsernameHashAvailable(ctx, nil, hash)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if !available {
		t.Fatal("cleared hash must be available")
	}
}

func TestUsernameOpsUnknownAccount(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	if _, err := svc.ReserveUsername(ctx, uuid.New(), []byte("h"), time.Minute); !errors.Is(err, service.ErrAccountNotFound) {
		t.Fatalf("reserve: expected ErrAccountNotFound, got %v", err)
	}
	if _, err := svc.ConfirmUsername(ctx, uuid.New(), []byte("h"), nil); !errors.Is(err, service.ErrAccountNotFound) {
		t.Fatalf("confirm: expected ErrAccountNotFound, got %v", err)
	}
	if err := svc.ClearUsername(ctx, uuid.New()); !errors.Is(err, service.ErrAccountNotFound) {
		t.Fatalf("clear: expected ErrAccountNotFound, got %v", err)
	}
}
