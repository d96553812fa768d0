package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mingning179/smsmonitor/internal/model"
	"github.com/mingning179/smsmonitor/internal/settings"
)

// APIBackend forwards messages to a remote collection server over plain
// JSON POSTs. It also carries the server-side extras: device status
// reports and phone number binding verification.
type APIBackend struct {
	base
	client *http.Client

	// Stats, when set, is used to piggyback a status report after each
	// successful delivery. Failures there never fail the delivery.
	Stats func(ctx context.Context) (model.Stats, error)
}

func NewAPIBackend(s *settings.Service) *APIBackend {
	return &APIBackend{
		base:   base{backendType: TypeAPI, settings: s},
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *APIBackend) Type() string { return TypeAPI }

func (a *APIBackend) Name() string { return "API" }

func (a *APIBackend) ConfigItems() []ConfigItem {
	return []ConfigItem{
		{Key: "enabled", Label: "Enabled", Type: ConfigBoolean, Value: strconv.FormatBool(a.Enabled())},
		{Key: "server_url", Label: "Server URL", Type: ConfigText, Value: a.getConfig("server_url"), Required: true},
		{Key: "api_key", Label: "API key", Type: ConfigPassword, Value: a.getConfig("api_key"), Hint: "optional, sent as a bearer token"},
	}
}

func (a *APIBackend) SaveConfig(values map[string]string) error {
	if u, ok := values["server_url"]; ok && u != "" {
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("invalid server url: %w", err)
		}
	}
	a.saveConfig(values)
	return nil
}

type reportSMSRequest struct {
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	DeviceInfo     string `json:"deviceInfo"`
	DeviceID       string `json:"deviceId"`
	SubscriptionID int    `json:"subscriptionId"`
}

type reportStatusRequest struct {
	DeviceID   string `json:"deviceId"`
	TotalSMS   int    `json:"totalSMS"`
	SuccessSMS int    `json:"successSMS"`
	FailedSMS  int    `json:"failedSMS"`
	PendingSMS int    `json:"pendingSMS"`
	Timestamp  int64  `json:"timestamp"`
	DeviceInfo string `json:"deviceInfo"`
}

type sendCodeRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	DeviceID    string `json:"deviceId"`
}

type verifyBindRequest struct {
	PhoneNumber    string `json:"phoneNumber"`
	Code           string `json:"code"`
	DeviceID       string `json:"deviceId"`
	SubscriptionID int    `json:"subscriptionId"`
}

func (a *APIBackend) Send(ctx context.Context, msg Message) error {
	if !a.Enabled() {
		return errors.New("api: backend disabled")
	}
	return a.send(ctx, msg)
}

func (a *APIBackend) send(ctx context.Context, msg Message) error {
	err := a.post(ctx, "/report-sms", reportSMSRequest{
		Sender:         msg.Sender,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp.UnixMilli(),
		DeviceInfo:     deviceInfo(),
		DeviceID:       a.deviceID(),
		SubscriptionID: msg.SubscriptionID,
	})
	if err != nil {
		return err
	}

	if a.Stats != nil {
		if stats, serr := a.Stats(ctx); serr == nil {
			_ = a.ReportStatus(ctx, stats)
		}
	}
	return nil
}

// TestConnection bypasses the enabled gate so operators can verify the
// config before switching the backend on.
func (a *APIBackend) TestConnection(ctx context.Context) error {
	return a.send(ctx, Message{
		Sender:    "SMSMonitor",
		Content:   "test message",
		Timestamp: time.Now(),
	})
}

// ReportStatus pushes aggregate delivery counts to the server.
func (a *APIBackend) ReportStatus(ctx context.Context, stats model.Stats) error {
	return a.post(ctx, "/report-status", reportStatusRequest{
		DeviceID:   a.deviceID(),
		TotalSMS:   stats.Total,
		SuccessSMS: stats.Success,
		FailedSMS:  stats.Failed,
		PendingSMS: stats.Pending + stats.PartialSuccess,
		Timestamp:  time.Now().UnixMilli(),
		DeviceInfo: deviceInfo(),
	})
}

// SendVerificationCode asks the server to text a code to the number.
func (a *APIBackend) SendVerificationCode(ctx context.Context, phoneNumber string) error {
	return a.post(ctx, "/send-code", sendCodeRequest{
		PhoneNumber: phoneNumber,
		DeviceID:    a.deviceID(),
	})
}

// VerifyBinding confirms a code and binds the number to a SIM slot.
func (a *APIBackend) VerifyBinding(ctx context.Context, phoneNumber, code string, subscriptionID int) error {
	return a.post(ctx, "/verify-bind", verifyBindRequest{
		PhoneNumber:    phoneNumber,
		Code:           code,
		DeviceID:       a.deviceID(),
		SubscriptionID: subscriptionID,
	})
}

// post sends one JSON request with a single retry on transport errors.
// Any HTTP response, success or not, is final.
func (a *APIBackend) post(ctx context.Context, path string, payload any) error {
	server := strings.TrimRight(a.getConfig("server_url"), "/")
	if server == "" {
		return errors.New("api: server url not configured")
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+path, bytes.NewReader(reqBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		req.Header.Set("User-Agent", "SMSMonitor/"+Version)
		if key := a.getConfig("api_key"); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}

		resp, err := a.client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return err
			}
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("api: unexpected status code: %d body=%q", resp.StatusCode, string(body))
		}
		return nil
	}
	return fmt.Errorf("api: request failed after retry: %w", lastErr)
}
