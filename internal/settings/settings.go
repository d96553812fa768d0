package settings

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Monitor modes. In "all" mode every message from a non-blank sender is
// accepted; in "keywords" mode the content must also match a keyword.
const (
	ModeAll      = "all"
	ModeKeywords = "keywords"
)

// DefaultKeywords seed the content filter when the operator has not
// configured any.
var DefaultKeywords = []string{"验证码", "verification", "code", "银行", "bank"}

const defaultStatusReportInterval = 5 * time.Minute

// Service is the runtime configuration shared by the filter, the push
// backends and the reporter. Values live in memory and are seeded at
// startup from the environment.
type Service struct {
	mu       sync.RWMutex
	values   map[string]string
	deviceID string
}

func NewService() *Service {
	return &Service{
		values:   make(map[string]string),
		deviceID: "SMS_" + randomHex(8),
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// DeviceID identifies this instance to remote backends. It is generated
// once per process unless overridden.
func (s *Service) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

func (s *Service) SetDeviceID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.deviceID = id
	s.mu.Unlock()
}

func (s *Service) GetString(key, fallback string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return fallback
}

func (s *Service) SetString(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

func (s *Service) GetBool(key string, fallback bool) bool {
	v := s.GetString(key, "")
	if v == "" {
		return fallback
	}
	return v == "true"
}

func (s *Service) SetBool(key string, value bool) {
	if value {
		s.SetString(key, "true")
	} else {
		s.SetString(key, "false")
	}
}

// MonitorMode returns "all" or "keywords"; unknown values fall back to
// keyword filtering.
func (s *Service) MonitorMode() string {
	if s.GetString("monitor_mode", ModeKeywords) == ModeAll {
		return ModeAll
	}
	return ModeKeywords
}

func (s *Service) SetMonitorMode(mode string) {
	if mode != ModeAll {
		mode = ModeKeywords
	}
	s.SetString("monitor_mode", mode)
}

// Keywords returns the configured filter keywords, or DefaultKeywords when
// none are configured.
func (s *Service) Keywords() []string {
	raw := s.GetString("keywords", "")
	var out []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), DefaultKeywords...)
	}
	return out
}

func (s *Service) SaveKeywords(keywords []string) {
	var cleaned []string
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	s.SetString("keywords", strings.Join(cleaned, ","))
}

func (s *Service) StatusReportInterval() time.Duration {
	raw := s.GetString("status_report_interval", "")
	if raw == "" {
		return defaultStatusReportInterval
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return defaultStatusReportInterval
	}
	return d
}

func (s *Service) SetStatusReportInterval(d time.Duration) {
	if d > 0 {
		s.SetString("status_report_interval", d.String())
	}
}

// Snapshot returns a copy of all stored values for the operator API.
func (s *Service) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
