package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// DenylistEntry is one revoked device in the operator-editable
// denylist.json.
type DenylistEntry struct {
	DeviceID  string `json:"deviceId"`
	RevokedAt int64  `json:"revokedAt"`
}

// LoadDenylist reads path and returns the revoked device IDs as a set.
// A missing file is an empty denylist; a malformed one is an error so
// a botched operator edit cannot silently un-revoke devices.
func LoadDenylist(path string) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read denylist: %w", err)
	}

	var entries []DenylistEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("state: parse denylist: %w", err)
	}

	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.DeviceID == "" {
			return nil, fmt.Errorf("state: denylist entry missing deviceId")
		}
		set[e.DeviceID] = struct{}{}
	}
	return set, nil
}
