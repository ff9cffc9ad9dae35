// Package node manages the identity of this chime server instance.
// Each instance has a persistent ULID generated on first start and stored in
// the data directory, so logs and /health responses from different instances
// behind the same gateway are always distinguishable.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

const idFile = "node_id"

// ID is a ULID string that uniquely identifies a chime process.
// It is stable across restarts within the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// Node holds the persistent identity of this server instance.
type Node struct {
	id      ID
	dataDir string
}

// New returns a Node whose ID is loaded from dataDir/node_id.
// If the file does not exist a new ULID is generated and written.
// An override other than "" or "auto" is used as-is (tests, container envs).
func New(dataDir, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		return &Node{id: ID(override), dataDir: dataDir}, nil
	}

	id, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir}, nil
}

// ID returns the node's stable ULID string.
func (n *Node) ID() ID { return n.id }

// DataDir returns the root data directory for this node.
func (n *Node) DataDir() string { return n.dataDir }

// loadOrGenerate reads the node ID from disk, creating a new one if absent.
func loadOrGenerate(dataDir string) (ID, error) {
	path := filepath.Join(dataDir, idFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, perr := ulid.ParseStrict(id); perr != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", id, perr)
		}
		return ID(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("node: read %s: %w", path, err)
	}

	id := ulid.Make().String()
	if werr := os.WriteFile(path, []byte(id+"\n"), 0o640); werr != nil {
		return "", fmt.Errorf("node: persist id: %w", werr)
	}
	return ID(id), nil
}
