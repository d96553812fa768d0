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

const dingTalkDefaultTemplate = "【短信转发】\n发件人: {sender}\n时间: {time}\n内容: {content}"

// DingTalkBackend delivers messages to a DingTalk group robot webhook.
// With a secret configured, requests are signed per DingTalk's HMAC-SHA256
// scheme; without one the webhook must rely on keyword filtering.
type DingTalkBackend struct {
	base
	client *http.Client
	// now is swappable for signing tests.
	now func() time.Time
}

func NewDingTalkBackend(s *settings.Service) *DingTalkBackend {
	return &DingTalkBackend{
		base:   base{backendType: TypeDingTalk, settings: s},
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (d *DingTalkBackend) Type() string { return TypeDingTalk }

func (d *DingTalkBackend) Name() string { return "DingTalk" }

func (d *DingTalkBackend) ConfigItems() []ConfigItem {
	return []ConfigItem{
		{Key: "enabled", Label: "Enabled", Type: ConfigBoolean, Value: strconv.FormatBool(d.Enabled())},
		{Key: "webhook_url", Label: "Webhook URL", Type: ConfigText, Value: d.getConfig("webhook_url"), Required: true},
		{Key: "secret", Label: "Signing secret", Type: ConfigPassword, Value: d.getConfig("secret"), Hint: "optional, from the robot's security settings"},
		{Key: "template", Label: "Message template", Type: ConfigTextarea, Value: d.getConfig("template"), DefaultValue: dingTalkDefaultTemplate,
			Hint: "placeholders: {sender} {time} {content} {device} {device_id}"},
	}
}

func (d *DingTalkBackend) SaveConfig(values map[string]string) error {
	if u, ok := values["webhook_url"]; ok && u != "" {
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("invalid webhook url: %w", err)
		}
	}
	d.saveConfig(values)
	return nil
}

func (d *DingTalkBackend) Send(ctx context.Context, msg Message) error {
	if !d.Enabled() {
		return errors.New("dingtalk: backend disabled")
	}
	return d.send(ctx, msg)
}

func (d *DingTalkBackend) send(ctx context.Context, msg Message) error {
	webhook := d.getConfig("webhook_url")
	if webhook == "" {
		return errors.New("dingtalk: webhook url not configured")
	}

	content := d.renderTemplate(msg)
	return d.post(ctx, webhook, content)
}

// TestConnection bypasses the enabled gate so operators can verify the
// config before switching the backend on.
func (d *DingTalkBackend) TestConnection(ctx context.Context) error {
	return d.send(ctx, Message{
		Sender:    "SMSMonitor",
		Content:   "测试消息 test message",
		Timestamp: d.now(),
	})
}

func (d *DingTalkBackend) renderTemplate(msg Message) string {
	tpl := d.getConfig("template")
	if tpl == "" {
		tpl = dingTalkDefaultTemplate
	}
	r := strings.NewReplacer(
		"{sender}", msg.Sender,
		"{time}", formatTime(msg.Timestamp),
		"{content}", msg.Content,
		"{device}", deviceInfo(),
		"{device_id}", d.deviceID(),
	)
	return r.Replace(tpl)
}

type dingTalkRequest struct {
	MsgType string       `json:"msgtype"`
	Text    dingTalkText `json:"text"`
}

type dingTalkText struct {
	Content string `json:"content"`
}

type dingTalkResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (d *DingTalkBackend) post(ctx context.Context, webhook, content string) error {
	reqBody, err := json.Marshal(dingTalkRequest{
		MsgType: "text",
		Text:    dingTalkText{Content: content},
	})
	if err != nil {
		return err
	}

	target := webhook
	if secret := d.getConfig("secret"); secret != "" {
		ts := d.now().UnixMilli()
		sep := "?"
		if strings.Contains(webhook, "?") {
			sep = "&"
		}
		target = fmt.Sprintf("%s%stimestamp=%d&sign=%s", webhook, sep, ts, url.QueryEscape(dingTalkSign(ts, secret)))
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(reqBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")

		resp, err := d.client.Do(req)
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
			return fmt.Errorf("dingtalk: unexpected status code: %d body=%q", resp.StatusCode, string(body))
		}

		var dr dingTalkResponse
		if err := json.Unmarshal(body, &dr); err != nil {
			return fmt.Errorf("dingtalk: failed to decode json: %w body=%q", err, string(body))
		}
		if dr.ErrCode != 0 {
			return fmt.Errorf("dingtalk: errcode=%d errmsg=%q", dr.ErrCode, dr.ErrMsg)
		}
		return nil
	}
	return fmt.Errorf("dingtalk: request failed after retry: %w", lastErr)
}

// dingTalkSign computes base64(hmac_sha256(secret, "{timestamp}\n{secret}")).
func dingTalkSign(timestampMillis int64, secret string) string {
	payload := fmt.Sprintf("%d\n%s", timestampMillis, secret)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
