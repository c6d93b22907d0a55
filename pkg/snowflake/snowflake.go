package snowflake

import (
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/railzwaylabs/dirsync/internal/config"
)

var Module = fx.Module("snowflake",
	fx.Provide(NewNodeFromConfig),
)

// Node wraps snowflake.Node to abstract dependency
type Node struct {
	*snowflake.Node
}

// NewNode returns a generator for node id. Every running instance needs its
// own id.
func NewNode(id int64) (*Node, error) {
	node, err := snowflake.NewNode(id)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", id, err)
	}
	return &Node{node}, nil
}

func NewNodeFromConfig(cfg *config.Config) (*Node, error) {
	return NewNode(cfg.NodeID)
}

// GenerateID returns a new snowflake ID as int64
func (n *Node) GenerateID() int64 {
	return n.Generate().Int64()
}

// ParseID parses a string ID into an int64
func ParseID(id string) (int64, error) {
	nid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, err
	}
	return nid, nil
}
