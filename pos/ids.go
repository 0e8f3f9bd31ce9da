// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pos

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// IDGenerator issues identifiers for records created on this terminal.
// Sale ids are UUIDv7 so they stay unique across terminals and sort by time.
// Queue and adjustment ids are snowflakes prefixed by the terminal node.
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator returns a generator for the given terminal node (0-1023).
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create id node %d: %w", nodeID, err)
	}
	return &IDGenerator{node: node}, nil
}

// SaleID returns a new sale id.
func (g *IDGenerator) SaleID() string { return NewSaleID() }

// NewSaleID returns a UUIDv7 sale id, falling back to a random UUID if the
// clock-based generator fails.
func NewSaleID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ItemID returns a new queue item or adjustment id.
func (g *IDGenerator) ItemID() string {
	return g.node.Generate().String()
}
