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

const apnDefaultEndpoint = "https://api.push.apple.com"

// APNSender delivers over Apple's HTTP/2 provider API.
type APNSender struct {
	endpoint  string
	authToken string
	topic     string
	http      *http.Client
}

func NewAPNSender(endpoint, authToken, topic string) *APNSender {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = apnDefaultEndpoint
	}
	return &APNSender{
		endpoint:  strings.TrimRight(endpoint, "/"),
		authToken: authToken,
		topic:     topic,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *APNSender) Send(ctx context.Context, n Notification) (Result, error) {
	payload := map[string]any{
		"aps": map[string]any{"content-available": 1},
	}
	if n.Urgent {
		payload["aps"] = map[string]any{"alert": map[string]string{"loc-key": "APN_Message"}, "sound": "default"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	url := s.endpoint + "/3/device/" + n.DeviceToken
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "bearer "+s.authToken)
	req.Header.Set("apns-topic", s.topic)
	if n.Urgent {
		req.Header.Set("apns-priority", "10")
		req.Header.Set("apns-push-type", "alert")
	} else {
		req.Header.Set("apns-priority", "5")
		req.Header.Set("apns-push-type", "background")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return Result{Accepted: true}, nil
	case http.StatusGone:
		return Result{Unregistered: true, RejectionReason: "Unregistered"}, nil
	}

	var res struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("apn send failed: %s", resp.Status)
	}
	if res.Reason == "BadDeviceToken" || res.Reason == "Unregistered" {
		return Result{Unregistered: true, RejectionReason: res.Reason}, nil
	}
	return Result{RejectionReason: res.Reason}, nil
}
