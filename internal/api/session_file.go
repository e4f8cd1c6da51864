package api

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// SessionFile is the token remembered between client runs.
type SessionFile struct {
	Username string `json:"username"`
	Token    string `json:"token"`
	Server   string `json:"server,omitempty"`
}

func LoadSession(path string) (*SessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var session SessionFile
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if session.Username == "" || session.Token == "" {
		return nil, errors.New("session file incomplete")
	}
	return &session, nil
}

// SaveSession writes through a temp file so a crash never leaves half a token behind.
func SaveSession(path string, session SessionFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func DeleteSession(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
