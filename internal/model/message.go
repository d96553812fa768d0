package model

import "time"

// Status is the aggregate delivery state of a message, or the state of a
// single delivery record.
type Status string

const (
	StatusPending        Status = "pending"
	StatusSuccess        Status = "success"
	StatusFailed         Status = "failed"
	StatusPartialSuccess Status = "partial_success"
)

// MaxRetryCount caps automatic retries per delivery record. Manual retries
// past the cap finalize the record instead of sending again.
const MaxRetryCount = 3

// DefaultRetentionDays is how long successfully delivered messages are kept.
const DefaultRetentionDays = 7

// Message is one inbound SMS accepted by the filter. Status is always
// recomputed from the message's delivery records, except at creation
// (pending) and when no backend is enabled (vacuous success).
type Message struct {
	ID             int64     `json:"id"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Status         Status    `json:"status"`
	RetryCount     int       `json:"retryCount"`
	LastRetryAt    time.Time `json:"lastRetryAt"`
	SubscriptionID int       `json:"subscriptionId"`
}

// DeliveryRecord is the state of one (message, backend) delivery attempt.
// At most one record exists per pair; repeated attempts update it in place.
type DeliveryRecord struct {
	ID            int64     `json:"id"`
	MessageID     int64     `json:"messageId"`
	BackendType   string    `json:"backendType"`
	BackendName   string    `json:"backendName"`
	Status        Status    `json:"status"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
	RetryCount    int       `json:"retryCount"`
}

// CanRetry reports whether an automatic retry is still within budget.
func (r DeliveryRecord) CanRetry() bool {
	return r.Status == StatusFailed && r.RetryCount < MaxRetryCount
}

// Stats are aggregate message counts by status, for operator reporting.
type Stats struct {
	Total          int `json:"total"`
	Success        int `json:"success"`
	Failed         int `json:"failed"`
	Pending        int `json:"pending"`
	PartialSuccess int `json:"partialSuccess"`
}

// MaxBindings limits how many phone bindings a device keeps.
const MaxBindings = 4

// Binding ties a verified phone number to a SIM subscription on this device.
type Binding struct {
	PhoneNumber    string    `json:"phoneNumber"`
	DeviceID       string    `json:"deviceId"`
	SubscriptionID int       `json:"subscriptionId"`
	BoundAt        time.Time `json:"boundAt"`
	LastVerifyAt   time.Time `json:"lastVerifyAt"`
	VerifyCount    int       `json:"verifyCount"`
}
