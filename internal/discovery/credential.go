// ABOUTME: Discovery credential file written by the controller, read out-of-band.
// ABOUTME: Identifies one live control server: port, token, pid, start time.

package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CredentialFile is the well-known filename inside the bridge directory.
const CredentialFile = "bridge.json"

// Credential identifies a live control server instance. The controller
// writes it on connect; anything on the same machine may read it to skip
// the port scan.
type Credential struct {
	Port      int       `json:"port"`
	Token     string    `json:"token"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// WriteCredential persists the credential to dir/bridge.json, creating the
// directory if needed.
func WriteCredential(dir string, cred *Credential) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating bridge directory: %w", err)
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing credential: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, CredentialFile), data, 0600); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}
	return nil
}

// ReadCredential loads dir/bridge.json. A missing file returns
// os.ErrNotExist for the caller to branch on.
func ReadCredential(dir string) (*Credential, error) {
	data, err := os.ReadFile(filepath.Join(dir, CredentialFile))
	if err != nil {
		return nil, err
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("parsing credential file: %w", err)
	}
	return &cred, nil
}

// RemoveCredential deletes dir/bridge.json. Idempotent: a missing file is
// not an error, since only the writer deletes it and it may already be gone.
func RemoveCredential(dir string) error {
	err := os.Remove(filepath.Join(dir, CredentialFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing credential file: %w", err)
	}
	return nil
}
