package push

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/mingning179/smsmonitor/internal/settings"
)

// base carries the settings plumbing shared by all backends. Config keys
// are namespaced by backend type ("dingtalk_webhook_url") so backends
// cannot trample each other.
type base struct {
	backendType string
	settings    *settings.Service
}

func (b base) key(k string) string {
	return b.backendType + "_" + k
}

func (b base) getConfig(k string) string {
	return b.settings.GetString(b.key(k), "")
}

func (b base) setConfig(k, v string) {
	b.settings.SetString(b.key(k), v)
}

func (b base) Enabled() bool {
	return b.settings.GetBool(b.key("enabled"), false)
}

func (b base) setEnabled(v bool) {
	b.settings.SetBool(b.key("enabled"), v)
}

// saveConfig writes all submitted values under the backend's namespace.
// The "enabled" key gets boolean normalization, everything else is stored
// verbatim.
func (b base) saveConfig(values map[string]string) {
	for k, v := range values {
		if k == "enabled" {
			b.setEnabled(strings.EqualFold(v, "true"))
			continue
		}
		b.setConfig(k, v)
	}
}

func (b base) deviceID() string {
	return b.settings.DeviceID()
}

func deviceInfo() string {
	return fmt.Sprintf("smsmonitor/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
