package store

import (
	"errors"

	"github.com/google/uuid"
)

// DeviceID returns the node's stable identity, generating and persisting a
// fresh UUID on first run. The id survives restarts; losing it means the
// gateway sees a brand-new node.
func DeviceID(s Store) (string, error) {
	id, err := s.GetString(KeyDeviceID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	id = uuid.NewString()
	if err := s.PutString(KeyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}
