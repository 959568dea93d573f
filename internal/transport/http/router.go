package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"e2ee-directory/internal/domain"
	"e2ee-directory/internal/dto"
	"e2ee-directory/internal/keys"
	"e2ee-directory/internal/observability/metrics"
	"e2ee-directory/internal/observability/middleware"
	"e2ee-directory/internal/push"
	"e2ee-directory/internal/service"
)

// Config carries the handler-level knobs the router needs.
type Config struct {
	UsernameReservationTTL time.Duration
}

func NewRouter(svc *service.Service, pushManager *push.Manager, cfg Config) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.WithRequestAndTrace)
	r.Use(middleware.WithMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	h := &handlers{svc: svc, push: pushManager, cfg: cfg}

	r.Route("/v1/accounts", func(r chi.Router) {
		r.Post("/", h.createAccount)
		r.Get("/lookup", h.lookupAccount)
		r.Get("/{aci}", h.getAccount)
		r.Delete("/{aci}", h.deleteAccount)
		r.Put("/{aci}/number", h.changeNumber)
		r.Delete("/{aci}/devices/{deviceID}", h.removeDevice)
		r.Put("/{aci}/username/reserve", h.reserveUsername)
		r.Put("/{aci}/username/confirm", h.confirmUsername)
		r.Delete("/{aci}/username", h.clearUsername)
		r.Put("/{aci}/devices/{deviceID}/keys", h.storePreKeys)
		r.Post("/{aci}/devices/{deviceID}/keys/take", h.takePreKey)
		r.Get("/{aci}/devices/{deviceID}/keys/count", h.countPreKeys)
	})

	r.Post("/v1/notifications/{aci}/{deviceID}", h.notifyDevice)

	r.Get("/v1/usernames/{hash}", h.lookupUsernameHash)
	r.Get("/v1/usernames/{hash}/available", h.usernameAvailable)
	r.Get("/v1/username-links/{handle}", h.lookupUsernameLink)

	return r
}

type handlers struct {
	svc  *service.Service
	push *push.Manager
	cfg  Config
}

// notifyDevice wakes a device for new message content. The message service
// calls this after enqueueing for a device that holds no live connection.
func (h *handlers) notifyDevice(w http.ResponseWriter, r *http.Request) {
	aci, ok := parseACI(w, r, "notify")
	if !ok {
		return
	}
	deviceID, ok := parseDeviceID(w, r, "notify")
	if !ok {
		return
	}
	account, err := h.svc.Accounts().GetByAccountIdentifier(r.Context(), aci)
	if err != nil {
		failOperation(w, r, "notify", err)
		return
	}
	if account == nil {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	urgent := r.URL.Query().Get("urgent") != "false"
	if err := h.push.SendNewMessageNotification(r.Context(), account, deviceID, urgent); err != nil {
		if errors.Is(err, push.ErrNotPushRegistered) {
			http.Error(w, "device not registered for push", http.StatusConflict)
			return
		}
		failOperation(w, r, "notify", err)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("notify", "success").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) createAccount(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "create", "decode failed", err)
		return
	}
	aci, err := uuid.Parse(req.ACI)
	if err != nil {
		badRequest(w, r, "create", "invalid aci", err)
		return
	}
	pni, err := uuid.Parse(req.PNI)
	if err != nil {
		badRequest(w, r, "create", "invalid pni", err)
		return
	}
	if req.Number == "" {
		badRequest(w, r, "create", "missing number", nil)
		return
	}
	var uak []byte
	if req.UnidentifiedAccessKey != "" {
		uak, err = base64.RawURLEncoding.DecodeString(req.UnidentifiedAccessKey)
		if err != nil {
			badRequest(w, r, "create", "invalid unidentifiedAccessKey", err)
			return
		}
	}

	now := time.Now().UnixMilli()
	account := &domain.Account{
		ACI:                       aci,
		Number:                    req.Number,
		PNI:                       pni,
		DiscoverableByPhoneNumber: req.DiscoverableByPhoneNumber,
		UnidentifiedAccessKey:     uak,
	}
	account.AddDevice(domain.Device{
		ID:              domain.PrimaryDeviceID,
		FetchesMessages: true,
		Created:         now,
		LastSeen:        now,
	})

	reclaimed, err := h.svc.Accounts().Create(r.Context(), account)
	if err != nil {
		failOperation(w, r, "create", err)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("create", "success").Inc()
	slog.Info("account created",
		"aci", account.ACI, "reclaimed", reclaimed,
		"request_id", middleware.RequestIDFromContext(r.Context()),
		"trace_id", middleware.TraceIDFromContext(r.Context()),
	)
	writeJSON(w, http.StatusCreated, dto.CreateAccountResponse{
		Account:   accountResponse(account),
		Reclaimed: reclaimed,
	})
}

func (h *handlers) getAccount(w http.ResponseWriter, r *http.Request) {
	aci, ok := parseACI(w, r, "get")
	if !ok {
		return
	}
	account, err := h.svc.Accounts().GetByAccountIdentifier(r.Context(), aci)
	if err != nil {
		failOperation(w, r, "get", err)
		return
	}
	if account == nil {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("get", "success").Inc()
	writeJSON(w, http.StatusOK, accountResponse(account))
}

// lookupAccount resolves an account by number or phone-number identifier,
// given as ?number= or ?pni= query parameters.
func (h *handlers) lookupAccount(w http.ResponseWriter, r *http.Request) {
	var (
		account *domain.Account
		err     error
	)
	switch {
	case r.URL.Query().Get("number") != "":
		account, err = h.svc.Accounts().GetByE164(r.Context(), r.URL.Query().Get("number"))
	case r.URL.Query().Get("pni") != "":
		var pni uuid.UUID
		pni, err = uuid.Parse(r.URL.Query().Get("pni"))
		if err != nil {
			badRequest(w, r, "lookup", "invalid pni", err)
			return
		}
		account, err = h.svc.Accounts().GetByPhoneNumberIdentifier(r.Context(), pni)
	default:
		badRequest(w, r, "lookup", "missing number or pni", nil)
		return
	}
	if err != nil {
		failOperation(w, r, "lookup", err)
		return
	}
	if account == nil {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("lookup", "success").Inc()
	writeJSON(w, http.StatusOK, accountResponse(account))
}

func (h *handlers) deleteAccount(w http.ResponseWriter, r *http.Request) {
	aci, ok := parseACI(w, r, "delete")
	if !ok {
		return
	}
	if err := h.svc.DeleteAccount(r.Context(), aci); err != nil {
		failOperation(w, r, "delete", err)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("delete", "success").Inc()
	slog.Info("account deleted", "aci", aci,
		"request_id", middleware.RequestIDFromContext(r.Context()),
		"trace_id", middleware.TraceIDFromContext(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) changeNumber(w http.ResponseWriter, r *http.Request) {
	aci, ok := parseACI(w, r, "change_number")
	if !ok {
		return
	}
	var req dto.ChangeNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "change_number", "decode failed", err)
		return
	}
	if req.Number == "" {
		badRequest(w, r, "change_number", "missing number", nil)
		return
	}
	pni, err := uuid.Parse(req.PNI)
	if err != nil {
		badRequest(w, r, "change_number", "invalid pni", err)
		return
	}
	account, err := h.svc.ChangeNumber(r.Context(), aci, req.Number, pni)
	if err != nil {
		failOperation(w, r, "change_number", err)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("change_number", "success").Inc()
	slog.Info("number changed", "aci", aci,
		"request_id", middleware.RequestIDFromContext(r.Context()),
		"trace_id", middleware.TraceIDFromContext(r.Context()),
	)
	writeJSON(w, http.StatusOK, accountResponse(account))
}

func (h *handlers) removeDevice(w http.ResponseWriter, r *http.Request) {
	aci, ok := parseACI(w, r, "remove_device")
	if !ok {
		return
	}
	deviceID, ok := parseDeviceID(w, r, "remove_device")
	if !ok {
		return
	}
	if err := h.svc.RemoveDevice(r.Context(), aci, deviceID); err != nil {
		failOperation(w, r, "remove_device", err)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("remove_device", "success").Inc()
	slog.Info("device removed", "aci", aci, "device_id", deviceID,
		"request_id", middleware.RequestIDFromContext(r.Context()),
		"trace_id", middleware.TraceIDFromContext(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) reserveUsername(w http.ResponseWriter, r *http.Request) {
	aci, ok := parseACI(w, r, "reserve_username")
	if !ok {
		return
	}
	var req dto.ReserveUsernameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "reserve_username", "decode failed", err)
		return
	}
	hash, err := base64.RawURLEncoding.DecodeString(req.UsernameHash)
	if err != nil || len(hash) == 0 {
		badRequest(w, r, "reserve_username", "invalid usernameHash", err)
		return
	}
	if _, err := h.svc.ReserveUsername(r.Context(), aci, hash, h.cfg.UsernameReservationTTL); err != nil {
		failOperation(w, r, "reserve_username", err)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("reserve_username", "success").Inc()
	writeJSON(w, http.StatusOK, dto.ReserveUsernameResponse{
		UsernameHash: req.UsernameHash,
		ExpiresIn:    int64(h.cfg.UsernameReservationTTL.Seconds()),
	})
}

func (h *handlers) confirmUsername(w http.ResponseWriter, r *http.Request) {
	aci, ok := parseACI(w, r, "confirm_username")
	if !ok {
		return
	}
	var req dto.ConfirmUsernameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "confirm_username", "decode failed", err)
		return
	}
	hash, err := base64.RawURLEncoding.DecodeString(req.UsernameHash)
	if err != nil || len(hash) == 0 {
		badRequest(w, r, "confirm_username", "invalid usernameHash", err)
		return
	}
	var encrypted []byte
	if req.EncryptedUsername != "" {
		encrypted, err = base64.RawURLEncoding.DecodeString(req.EncryptedUsername)
		if err != nil {
			badRequest(w, r, "confirm_username", "invalid encryptedUsername", err)
			return
		}
	}
	account, err := h.svc.ConfirmUsername(r.Context(), aci, hash, encrypted)
	if err != nil {
		failOperation(w, r, "confirm_username", err)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("confirm_username", "success").Inc()
	writeJSON(w, http.StatusOK, dto.ConfirmUsernameResponse{
		UsernameHash:       req.UsernameHash,
		UsernameLinkHandle: account.UsernameLinkHandle.String(),
	})
}

func (h *handlers) clearUsername(w http.ResponseWriter, r *http.Request) {
	aci, ok := parseACI(w, r, "clear_username")
	if !ok {
		return
	}
	if err := h.svc.ClearUsername(r.Context(), aci); err != nil {
		failOperation(w, r, "clear_username", err)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("clear_username", "success").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) lookupUsernameHash(w http.ResponseWriter, r *http.Request) {
	hash, err := base64.RawURLEncoding.DecodeString(chi.URLParam(r, "hash"))
	if err != nil || len(hash) == 0 {
		badRequest(w, r, "lookup_username", "invalid hash", err)
		return
	}
	account, err := h.svc.Accounts().GetByUsernameHash(r.Context(), hash)
	if err != nil {
		failOperation(w, r, "lookup_username", err)
		return
	}
	if account == nil {
		http.Error(w, "username not found", http.StatusNotFound)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("lookup_username", "success").Inc()
	writeJSON(w, http.StatusOK, dto.UsernameLookupResponse{ACI: account.ACI.String()})
}

func (h *handlers) usernameAvailable(w http.ResponseWriter, r *http.Request) {
	hash, err := base64.RawURLEncoding.DecodeString(chi.URLParam(r, "hash"))
	if err != nil || len(hash) == 0 {
		badRequest(w, r, "username_available", "invalid hash", err)
		return
	}
	var reserver *uuid.UUID
	if v := r.URL.Query().Get("reserver"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			badRequest(w, r, "username_available", "invalid reserver", err)
			return
		}
		reserver = &id
	}
	available, err := h.svc.Accounts().UsernameHashAvailable(r.Context(), reserver, hash)
	if err != nil {
		failOperation(w, r, "username_available", err)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("username_available", "success").Inc()
	writeJSON(w, http.StatusOK, dto.UsernameAvailableResponse{Available: available})
}

func (h *handlers) lookupUsernameLink(w http.ResponseWriter, r *http.Request) {
	handle, err := uuid.Parse(chi.URLParam(r, "handle"))
	if err != nil {
		badRequest(w, r, "lookup_username_link", "invalid handle", err)
		return
	}
	account, err := h.svc.Accounts().GetByUsernameLinkHandle(r.Context(), handle)
	if err != nil {
		failOperation(w, r, "lookup_username_link", err)
		return
	}
	if account == nil {
		http.Error(w, "username link not found", http.StatusNotFound)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("lookup_username_link", "success").Inc()
	writeJSON(w, http.StatusOK, dto.UsernameLinkResponse{
		ACI:               account.ACI.String(),
		EncryptedUsername: base64.RawURLEncoding.EncodeToString(account.EncryptedUsername),
	})
}

// resolveDevice loads the account and checks that the addressed device is
// linked before any pre-key operation touches the key table.
func (h *handlers) resolveDevice(w http.ResponseWriter, r *http.Request, operation string) (uuid.UUID, uint8, bool) {
	aci, ok := parseACI(w, r, operation)
	if !ok {
		return uuid.Nil, 0, false
	}
	deviceID, ok := parseDeviceID(w, r, operation)
	if !ok {
		return uuid.Nil, 0, false
	}
	account, err := h.svc.Accounts().GetByAccountIdentifier(r.Context(), aci)
	if err != nil {
		failOperation(w, r, operation, err)
		return uuid.Nil, 0, false
	}
	if account == nil {
		http.Error(w, "account not found", http.StatusNotFound)
		return uuid.Nil, 0, false
	}
	if _, ok := account.Device(deviceID); !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return uuid.Nil, 0, false
	}
	return aci, deviceID, true
}

func (h *handlers) storePreKeys(w http.ResponseWriter, r *http.Request) {
	aci, deviceID, ok := h.resolveDevice(w, r, "store_pre_keys")
	if !ok {
		return
	}
	var req dto.StorePreKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "store_pre_keys", "decode failed", err)
		return
	}
	batch := make([]keys.PreKey, 0, len(req.PreKeys))
	for _, k := range req.PreKeys {
		public, err := base64.RawURLEncoding.DecodeString(k.PublicKey)
		if err != nil || len(public) == 0 {
			badRequest(w, r, "store_pre_keys", "invalid publicKey", err)
			return
		}
		batch = append(batch, keys.PreKey{KeyID: k.KeyID, PublicKey: public})
	}
	if err := h.svc.PreKeys().Store(r.Context(), aci, deviceID, batch); err != nil {
		failOperation(w, r, "store_pre_keys", err)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("store_pre_keys", "success").Inc()
	writeJSON(w, http.StatusOK, dto.StorePreKeysResponse{Stored: len(batch)})
}

func (h *handlers) takePreKey(w http.ResponseWriter, r *http.Request) {
	aci, deviceID, ok := h.resolveDevice(w, r, "take_pre_key")
	if !ok {
		return
	}
	key, err := h.svc.PreKeys().Take(r.Context(), aci, deviceID)
	if err != nil {
		failOperation(w, r, "take_pre_key", err)
		return
	}
	if key == nil {
		http.Error(w, "no pre-keys available", http.StatusGone)
		return
	}
	remaining, err := h.svc.PreKeys().Count(r.Context(), aci, deviceID)
	if err != nil {
		failOperation(w, r, "take_pre_key", err)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("take_pre_key", "success").Inc()
	writeJSON(w, http.StatusOK, dto.TakePreKeyResponse{
		KeyID:     key.KeyID,
		PublicKey: base64.RawURLEncoding.EncodeToString(key.PublicKey),
		Remaining: remaining,
	})
}

func (h *handlers) countPreKeys(w http.ResponseWriter, r *http.Request) {
	aci, deviceID, ok := h.resolveDevice(w, r, "count_pre_keys")
	if !ok {
		return
	}
	count, err := h.svc.PreKeys().Count(r.Context(), aci, deviceID)
	if err != nil {
		failOperation(w, r, "count_pre_keys", err)
		return
	}
	metrics.AccountOperationsTotal.WithLabelValues("count_pre_keys", "success").Inc()
	writeJSON(w, http.StatusOK, dto.PreKeyCountResponse{Count: count})
}

func parseACI(w http.ResponseWriter, r *http.Request, operation string) (uuid.UUID, bool) {
	aci, err := uuid.Parse(chi.URLParam(r, "aci"))
	if err != nil {
		badRequest(w, r, operation, "invalid aci", err)
		return uuid.Nil, false
	}
	return aci, true
}

func parseDeviceID(w http.ResponseWriter, r *http.Request, operation string) (uint8, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "deviceID"), 10, 8)
	if err != nil {
		badRequest(w, r, operation, "invalid device id", err)
		return 0, false
	}
	return uint8(id), true
}

func badRequest(w http.ResponseWriter, r *http.Request, operation, msg string, err error) {
	metrics.AccountOperationsTotal.WithLabelValues(operation, "failure").Inc()
	slog.Warn(operation+" rejected", "error", err, "reason", msg,
		"request_id", middleware.RequestIDFromContext(r.Context()),
		"trace_id", middleware.TraceIDFromContext(r.Context()),
	)
	http.Error(w, msg, http.StatusBadRequest)
}

// failOperation maps storage and service errors onto HTTP statuses. Contested
// writes and aborted transactions are client-retryable conflicts; constraint
// violations carry the index that rejected the claim.
func failOperation(w http.ResponseWriter, r *http.Request, operation string, err error) {
	metrics.AccountOperationsTotal.WithLabelValues(operation, "failure").Inc()
	slog.Warn(operation+" failed", "error", err,
		"request_id", middleware.RequestIDFromContext(r.Context()),
		"trace_id", middleware.TraceIDFromContext(r.Context()),
	)

	var constraint *domain.ConstraintViolationError
	switch {
	case errors.As(err, &constraint):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "already in use",
			"index": string(constraint.Index),
		})
	case errors.Is(err, domain.ErrContested), errors.Is(err, domain.ErrTransactionAborted):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "conflict, retry"})
	case errors.Is(err, domain.ErrUnknownAccount), errors.Is(err, service.ErrAccountNotFound):
		http.Error(w, "account not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrPrimaryDevice):
		http.Error(w, "cannot remove primary device", http.StatusForbidden)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func accountResponse(a *domain.Account) dto.AccountResponse {
	devices := make([]dto.DeviceResponse, 0, len(a.Devices))
	for _, d := range a.Devices {
		devices = append(devices, dto.DeviceResponse{
			ID:       d.ID,
			Name:     d.Name,
			Created:  d.Created,
			LastSeen: d.LastSeen,
		})
	}
	res := dto.AccountResponse{
		ACI:                       a.ACI.String(),
		Number:                    a.Number,
		PNI:                       a.PNI.String(),
		Version:                   a.Version,
		DiscoverableByPhoneNumber: a.DiscoverableByPhoneNumber,
		Devices:                   devices,
	}
	if len(a.UsernameHash) > 0 {
		res.UsernameHash = base64.RawURLEncoding.EncodeToString(a.UsernameHash)
	}
	if a.UsernameLinkHandle != uuid.Nil {
		res.UsernameLinkHandle = a.UsernameLinkHandle.String()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
