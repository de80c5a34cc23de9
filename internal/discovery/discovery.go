// ABOUTME: Discovery sidecar file letting child agents find a running broker.
// ABOUTME: Written once at startup, removed at shutdown; absence is never fatal.

package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Info is the contents of the sidecar file.
type Info struct {
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	HubID     string `json:"hubId"`
	StartedAt int64  `json:"startedAt"` // epoch millis
}

// Path returns <system temp>/pi-hive/broker.json.
func Path() string {
	return filepath.Join(os.TempDir(), "pi-hive", "broker.json")
}

// Write publishes the broker location. The parent directory is created as
// needed.
func Write(info Info) error {
	p := Path()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating discovery dir: %w", err)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding discovery info: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("writing discovery file: %w", err)
	}
	return nil
}

// Read loads the sidecar, returning the broker location published by a
// running hub.
func Read() (*Info, error) {
	data, err := os.ReadFile(Path())
	if err != nil {
		return nil, fmt.Errorf("reading discovery file: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing discovery file: %w", err)
	}
	return &info, nil
}

// Remove deletes the sidecar. Missing files are not an error so shutdown
// paths can call this unconditionally.
func Remove() error {
	if err := os.Remove(Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing discovery file: %w", err)
	}
	return nil
}

// URL renders the WebSocket URL for the published port.
func (i *Info) URL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d/ws", i.Port)
}
