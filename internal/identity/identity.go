// ABOUTME: Agent identity inputs consumed at startup via CLI flags or environment.
// ABOUTME: Flags and environment carry the same semantics; flags win.

package identity

import (
	"flag"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/pi-hive/hive/internal/discovery"
)

// Environment variable names mirroring the flags.
const (
	EnvBrokerURL   = "HIVE_BROKER_URL"
	EnvName        = "HIVE_AGENT_NAME"
	EnvID          = "HIVE_AGENT_ID"
	EnvParentID    = "HIVE_PARENT_ID"
	EnvRole        = "HIVE_ROLE"
	EnvInteractive = "HIVE_INTERACTIVE"
)

// Identity is everything an agent needs to introduce itself to a broker.
type Identity struct {
	BrokerURL   string
	Name        string
	ID          string
	ParentID    string
	Role        string
	Interactive bool
	CWD         string
}

// Flags registers identity flags on fs, seeding defaults from the
// environment so flag values win when both are present.
func Flags(fs *flag.FlagSet) *Identity {
	id := &Identity{}
	fs.StringVar(&id.BrokerURL, "broker-url", os.Getenv(EnvBrokerURL), "broker WebSocket URL (default: discovery sidecar)")
	fs.StringVar(&id.Name, "name", os.Getenv(EnvName), "agent display name")
	fs.StringVar(&id.ID, "id", os.Getenv(EnvID), "agent id (default: generated)")
	fs.StringVar(&id.ParentID, "parent-id", os.Getenv(EnvParentID), "id of the spawning agent")
	fs.StringVar(&id.Role, "role", os.Getenv(EnvRole), "short role description")
	fs.BoolVar(&id.Interactive, "interactive", envBool(EnvInteractive), "agent is interactive (will not self-terminate on done)")
	return id
}

// Resolve fills the gaps a caller is allowed to leave: a generated id, the
// process working directory, and a broker URL taken from the discovery
// sidecar.
func (id *Identity) Resolve() error {
	if id.ID == "" {
		id.ID = uuid.New().String()
	}
	if id.CWD == "" {
		if wd, err := os.Getwd(); err == nil {
			id.CWD = wd
		}
	}
	if id.BrokerURL == "" {
		info, err := discovery.Read()
		if err != nil {
			return err
		}
		id.BrokerURL = info.URL()
	}
	return nil
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
