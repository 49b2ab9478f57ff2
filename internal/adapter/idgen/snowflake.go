// Package idgen issues job and event ids: snowflake strings, globally
// unique, time-ordered, sortable as text.
package idgen

import (
	"fmt"
	"hash/fnv"

	"github.com/bwmarrin/snowflake"
)

// Snowflake implements domain.IDGenerator on a single snowflake node.
type Snowflake struct {
	node *snowflake.Node
}

// NewSnowflake derives the node id from the runner id so distinct runners
// mint from distinct sequences. The hash folds into snowflake's 10-bit
// node space.
func NewSnowflake(runnerID string) (*Snowflake, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runnerID))
	node, err := snowflake.NewNode(int64(h.Sum32() % 1024))
	if err != nil {
		return nil, fmt.Errorf("op=idgen.NewSnowflake: %w", err)
	}
	return &Snowflake{node: node}, nil
}

// Next returns the next id.
func (g *Snowflake) Next() string {
	return g.node.Generate().String()
}
