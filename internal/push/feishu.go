package push

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mingning179/smsmonitor/internal/settings"
)

const feishuDefaultTemplate = "【短信转发】\n发件人: {sender}\n时间: {time}\n内容: {content}"

// FeishuBackend delivers messages to a Feishu custom bot webhook. Unlike
// DingTalk, the signature travels in the request body and the HMAC key is
// derived from the timestamp and the secret.
type FeishuBackend struct {
	base
	client *http.Client
	now    func() time.Time
}

func NewFeishuBackend(s *settings.Service) *FeishuBackend {
	return &FeishuBackend{
		base:   base{backendType: TypeFeishu, settings: s},
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (f *FeishuBackend) Type() string { return TypeFeishu }

func (f *FeishuBackend) Name() string { return "Feishu" }

func (f *FeishuBackend) ConfigItems() []ConfigItem {
	return []ConfigItem{
		{Key: "enabled", Label: "Enabled", Type: ConfigBoolean, Value: strconv.FormatBool(f.Enabled())},
		{Key: "webhook_url", Label: "Webhook URL", Type: ConfigText, Value: f.getConfig("webhook_url"), Required: true},
		{Key: "secret", Label: "Signing secret", Type: ConfigPassword, Value: f.getConfig("secret"), Hint: "optional, from the bot's security settings"},
		{Key: "template", Label: "Message template", Type: ConfigTextarea, Value: f.getConfig("template"), DefaultValue: feishuDefaultTemplate,
			Hint: "placeholders: {sender} {time} {content} {device} {device_id}"},
	}
}

func (f *FeishuBackend) SaveConfig(values map[string]string) error {
	if u, ok := values["webhook_url"]; ok && u != "" {
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("invalid webhook url: %w", err)
		}
	}
	f.saveConfig(values)
	return nil
}

func (f *FeishuBackend) Send(ctx context.Context, msg Message) error {
	if !f.Enabled() {
		return errors.New("feishu: backend disabled")
	}
	return f.send(ctx, msg)
}

func (f *FeishuBackend) send(ctx context.Context, msg Message) error {
	webhook := f.getConfig("webhook_url")
	if webhook == "" {
		return errors.New("feishu: webhook url not configured")
	}

	tpl := f.getConfig("template")
	if tpl == "" {
		tpl = feishuDefaultTemplate
	}
	r := strings.NewReplacer(
		"{sender}", msg.Sender,
		"{time}", formatTime(msg.Timestamp),
		"{content}", msg.Content,
		"{device}", deviceInfo(),
		"{device_id}", f.deviceID(),
	)
	return f.post(ctx, webhook, r.Replace(tpl))
}

// TestConnection bypasses the enabled gate so operators can verify the
// config before switching the backend on.
func (f *FeishuBackend) TestConnection(ctx context.Context) error {
	return f.send(ctx, Message{
		Sender:    "SMSMonitor",
		Content:   "测试消息 test message",
		Timestamp: f.now(),
	})
}

type feishuRequest struct {
	Timestamp string        `json:"timestamp,omitempty"`
	Sign      string        `json:"sign,omitempty"`
	MsgType   string        `json:"msg_type"`
	Content   feishuContent `json:"content"`
}

type feishuContent struct {
	Text string `json:"text"`
}

type feishuResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (f *FeishuBackend) post(ctx context.Context, webhook, text string) error {
	payload := feishuRequest{
		MsgType: "text",
		Content: feishuContent{Text: text},
	}
	if secret := f.getConfig("secret"); secret != "" {
		ts := f.now().Unix()
		payload.Timestamp = strconv.FormatInt(ts, 10)
		payload.Sign = feishuSign(ts, secret)
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(reqBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")

		resp, err := f.client.Do(req)
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
			return fmt.Errorf("feishu: unexpected status code: %d body=%q", resp.StatusCode, string(body))
		}

		var fr feishuResponse
		if err := json.Unmarshal(body, &fr); err != nil {
			return fmt.Errorf("feishu: failed to decode json: %w body=%q", err, string(body))
		}
		if fr.Code != 0 {
			return fmt.Errorf("feishu: code=%d msg=%q", fr.Code, fr.Msg)
		}
		return nil
	}
	return fmt.Errorf("feishu: request failed after retry: %w", lastErr)
}

// feishuSign computes base64(hmac_sha256(key="{timestamp}\n{secret}", "")).
func feishuSign(timestamp int64, secret string) string {
	key := fmt.Sprintf("%d\n%s", timestamp, secret)
	mac := hmac.New(sha256.New, []byte(key))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
