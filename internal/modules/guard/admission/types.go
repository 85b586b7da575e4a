package admission

import "time"

// EvictPolicy decides what happens when the concurrency cap is reached.
type EvictPolicy string

const (
	// EvictLRU removes the least-recently-seen slot to make room.
	EvictLRU EvictPolicy = "lru"
	// DenyNew rejects the new arrival and leaves the active set untouched.
	DenyNew EvictPolicy = "deny"
)

const (
	DefaultMaxActive       = 5
	DefaultMaxIPsPerDevice = 3
	DefaultSessionTTL      = 30 * 24 * time.Hour
	DefaultHistoryWindow   = time.Hour
	DefaultBanThreshold    = 10
	DefaultBanTTL          = 24 * time.Hour
)

// Policy carries the per-call admission knobs.
type Policy struct {
	MaxActive       int
	MaxIPsPerDevice int
	Evict           EvictPolicy
	SessionTTL      time.Duration
	HistoryWindow   time.Duration
	BanThreshold    int
	// BanTTL <= 0 means the ban flag is permanent until explicit unban.
	BanTTL time.Duration
}

func (p Policy) normalized() Policy {
	if p.MaxActive <= 0 {
		p.MaxActive = DefaultMaxActive
	}
	if p.MaxIPsPerDevice <= 0 {
		p.MaxIPsPerDevice = DefaultMaxIPsPerDevice
	}
	if p.Evict != DenyNew {
		p.Evict = EvictLRU
	}
	if p.SessionTTL <= 0 {
		p.SessionTTL = DefaultSessionTTL
	}
	if p.HistoryWindow <= 0 {
		p.HistoryWindow = DefaultHistoryWindow
	}
	if p.BanThreshold <= 0 {
		p.BanThreshold = DefaultBanThreshold
	}
	return p
}

// ActiveLocation is one admitted session slot, as returned by ListActive.
type ActiveLocation struct {
	LocationID string    `json:"location_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Current    bool      `json:"current"`
}
