package push_test

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
	"e2ee-directory/internal/kv"
	"e2ee-directory/internal/push"
	"e2ee-directory/internal/storage"
)

type fakeSender struct {
	result push.Result
	err    error
	sent   []push.Notification
}

func (s *fakeSender) Send(_ context.Context, n push.Notification) (push.Result, error) {
	s.sent = append(s.sent, n)
	return s.result, s.err
}

func setupManager(t *testing.T, apn, fcm *fakeSender) (*push.Manager, *storage.Accounts) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := kv.New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	accounts := storage.NewAccounts(store, 30*24*time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return push.NewManager(accounts, apn, fcm, logger), accounts
}

func createAccountWithToken(t *testing.T, accounts *storage.Accounts, apnID, gcmID string) *domain.Account {
	t.Helper()
	account := &domain.Account{ACI: uuid.New(), Number: "+14151111111", PNI: uuid.New()}
	account.AddDevice(domain.Device{ID: domain.PrimaryDeviceID, APNID: apnID, GCMID: gcmID})
	if _, err := accounts.Create(context.Background(), account); err != nil {
		t.Fatalf("create: %v", err)
	}
	return account
}

func TestSendPrefersFCM(t *testing.T) {
	apn := &fakeSender{result: push.Result{Accepted: true}}
	fcm := &fakeSender{result: push.Result{Accepted: true}}
	manager, accounts := setupManager(t, apn, fcm)

	account := createAccountWithToken(t, accounts, "apn-token", "fcm-token")
	if err := manager.SendNewMessageNotification(context.Background(), account, domain.PrimaryDeviceID, true); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fcm.sent) != 1 || len(apn.sent) != 0 {
		t.Fatalf("expected one fcm send, got fcm=%d apn=%d", len(fcm.sent), len(apn.sent))
	}
	if fcm.sent[0].DeviceToken != "fcm-token" || !fcm.sent[0].Urgent {
		t.Fatalf("unexpected notification: %+v", fcm.sent[0])
	}
}

func TestSendUsesAPNWhenOnlyAPNTokenSet(t *testing.T) {
	apn := &fakeSender{result: push.Result{Accepted: true}}
	fcm := &fakeSender{result: push.Result{Accepted: true}}
	manager, accounts := setupManager(t, apn, fcm)

	account := createAccountWithToken(t, accounts, "apn-token", "")
	if err := manager.SendNewMessageNotification(context.Background(), account, domain.PrimaryDeviceID, false); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(apn.sent) != 1 || len(fcm.sent) != 0 {
		t.Fatalf("expected one apn send, got apn=%d fcm=%d", len(apn.sent), len(fcm.sent))
	}
}

func TestSendWithoutTokenFails(t *testing.T) {
	manager, accounts := setupManager(t, &fakeSender{}, &fakeSender{})

	account := createAccountWithToken(t, accounts, "", "")
	err := manager.SendNewMessageNotification(context.Background(), account, domain.PrimaryDeviceID, true)
	if !errors.Is(err, push.ErrNotPushRegistered) {
		t.Fatalf("expected ErrNotPushRegistered, got %v", err)
	}

	err = manager.SendNewMessageNotification(context.Background(), account, 9, true)
	if !errors.Is(err, push.ErrNotPushRegistered) {
		t.Fatalf("expected ErrNotPushRegistered for unknown device, got %v", err)
	}
}

func TestUnregisteredOutcomeClearsToken(t *testing.T) {
	fcm := &fakeSender{result: push.Result{Unregistered: true, RejectionReason: "NotRegistered"}}
	manager, accounts := setupManager(t, &fakeSender{}, fcm)

	account := createAccountWithToken(t, accounts, "", "dead-token")
	if err := manager.SendNewMessageNotification(context.Background(), account, domain.PrimaryDeviceID, true); err != nil {
		t.Fatalf("send: %v", err)
	}

	stored, err := accounts.GetByAccountIdentifier(context.Background(), account.ACI)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	device, _ := stored.PrimaryDevice()
	if device.GCMID != "" {
		t.Fatalf("dead token not cleared: %q", device.GCMID)
	}
	if device.UninstalledFeedback == 0 {
		t.Fatal("uninstalled feedback not stamped")
	}
}

func TestUnregisteredOutcomeKeepsFreshToken(t *testing.T) {
	fcm := &fakeSender{result: push.Result{Unregistered: true}}
	manager, accounts := setupManager(t, &fakeSender{}, fcm)

	account := createAccountWithToken(t, accounts, "", "old-token")

	// Device re-registers with a fresh token while the failed send is in flight.
	fresh, err := accounts.GetByAccountIdentifier(context.Background(), account.ACI)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	device, _ := fresh.PrimaryDevice()
	device.GCMID = "new-token"
	if err := accounts.Update(context.Background(), fresh); err != nil {
		t.Fatalf("update: %v", err)
	}

	// The stale in-memory account still carries the old token.
	if err := manager.SendNewMessageNotification(context.Background(), account, domain.PrimaryDeviceID, true); err != nil {
		t.Fatalf("send: %v", err)
	}

	stored, err := accounts.GetByAccountIdentifier(context.Background(), account.ACI)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	device, _ = stored.PrimaryDevice()
	if device.GCMID != "new-token" {
		t.Fatalf("fresh token must survive a stale unregistered outcome, got %q", device.GCMID)
	}
}

func TestSenderErrorPropagates(t *testing.T) {
	fcm := &fakeSender{err: errors.New("network down")}
	manager, accounts := setupManager(t, &fakeSender{}, fcm)

	account := createAccountWithToken(t, accounts, "", "token")
	if err := manager.SendNewMessageNotification(context.Background(), account, domain.PrimaryDeviceID, true); err == nil {
		t.Fatal("expected sender error to propagate")
	}
}
