package cache

import (
	"context"
	"time"

	"github.com/mingning179/smsmonitor/internal/model"
)

// DeliveryCache keeps short-lived copies of delivery outcomes and the
// latest statistics snapshot for cheap operator reads. It is optional;
// the database stays authoritative.
type DeliveryCache interface {
	StoreDelivery(ctx context.Context, messageID int64, backendType string, status model.Status, at time.Time) error
	StoreStats(ctx context.Context, stats model.Stats) error
	LatestStats(ctx context.Context) (model.Stats, bool, error)
}
