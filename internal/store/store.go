package store

import "errors"

// Keys persisted by the agent.
const (
	KeyDeviceID     = "device_id"
	KeyCachedIP     = "cached_ip"
	KeyCachedIPInfo = "cached_ip_info"
	KeyLastIPCheck  = "last_ip_check"
)

// ErrNotFound is returned when a key has never been written.
var ErrNotFound = errors.New("store: key not found")

// Store is the small named-value persistence the agent needs: the device
// identity and the IP-info cache. Implementations must be safe for
// concurrent use.
type Store interface {
	GetString(key string) (string, error)
	PutString(key, value string) error
	GetInt64(key string) (int64, error)
	PutInt64(key string, value int64) error
}
