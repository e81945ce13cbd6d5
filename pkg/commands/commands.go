// Package commands is the fan-out channel between management nodes. A node
// that mutates an entity publishes a command telling its peers (or the
// dedicated indexer) to refresh their local state.
package commands

import (
	"context"
	"time"
)

// Tag classifies a command's intent.
type Tag string

// TagDataToIndex marks a command whose content is a search index envelope.
const TagDataToIndex Tag = "DATA_TO_INDEX"

// Recipient addresses a group of processes.
type Recipient string

// RecipientManagementAPIs addresses every management node and indexer.
const RecipientManagementAPIs Recipient = "MANAGEMENT_APIS"

// Command is one unit of cross-node work. Content is an opaque payload
// interpreted by whoever handles the tag.
type Command struct {
	ID         string    `json:"id"`
	Tags       []Tag     `json:"tags"`
	To         Recipient `json:"to"`
	TTLSeconds int       `json:"ttl_seconds"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether the command's TTL has elapsed at the given time.
// Listeners drop expired commands instead of handling stale state.
func (c *Command) Expired(now time.Time) bool {
	if c.TTLSeconds <= 0 {
		return false
	}
	return now.After(c.CreatedAt.Add(time.Duration(c.TTLSeconds) * time.Second))
}

// HasTag reports whether the command carries the given tag.
func (c *Command) HasTag(tag Tag) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Handler processes one command. Handlers must be safe to call concurrently.
type Handler func(ctx context.Context, cmd *Command)

// Bus transports commands between nodes.
type Bus interface {
	// Send publishes the command to its recipient group.
	Send(ctx context.Context, cmd *Command) error

	// Listen blocks delivering commands addressed to the recipient until the
	// context is canceled.
	Listen(ctx context.Context, to Recipient, handler Handler) error
}
