package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const fcmDefaultEndpoint = "https://fcm.googleapis.com/fcm/send"

// FCMSender delivers over Firebase Cloud Messaging's HTTP API.
type FCMSender struct {
	endpoint  string
	serverKey string
	http      *http.Client
}

func NewFCMSender(endpoint, serverKey string) *FCMSender {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = fcmDefaultEndpoint
	}
	return &FCMSender{
		endpoint:  strings.TrimRight(endpoint, "/"),
		serverKey: serverKey,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *FCMSender) Send(ctx context.Context, n Notification) (Result, error) {
	priority := "normal"
	if n.Urgent {
		priority = "high"
	}
	payload := map[string]any{
		"to":       n.DeviceToken,
		"priority": priority,
		"data":     map[string]string{"notification": "new-message"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.serverKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("fcm send failed: %s", resp.Status)
	}

	var res struct {
		Results []struct {
			Error string `json:"error"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, err
	}
	if len(res.Results) == 0 || res.Results[0].Error == "" {
		return Result{Accepted: true}, nil
	}

	reason := res.Results[0].Error
	switch reason {
	case "NotRegistered", "InvalidRegistration":
		return Result{Unregistered: true, RejectionReason: reason}, nil
	default:
		return Result{RejectionReason: reason}, nil
	}
}
