package storage

import (
	"encoding/json"
	"fmt"

	"github.com/d-kuro/helpdeskauth/pkg/types"
)

// encodeSession serializes a session record for a backend.
func encodeSession(session *types.StoredSession) ([]byte, error) {
	if session == nil {
		return nil, fmt.Errorf("cannot store nil session")
	}
	record := *session
	if record.Version == 0 {
		record.Version = types.StoredSessionVersion
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return data, nil
}

// decodeSession parses a stored record, rejecting unknown versions and empty tokens.
func decodeSession(data []byte) (*types.StoredSession, error) {
	var record types.StoredSession
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse stored session: %w", ErrStorageCorrupted)
	}
	if record.Version != types.StoredSessionVersion {
		return nil, fmt.Errorf("unsupported stored session version %d: %w", record.Version, ErrStorageCorrupted)
	}
	if record.AccessToken == "" {
		return nil, fmt.Errorf("stored session has no access token: %w", ErrStorageCorrupted)
	}
	return &record, nil
}
