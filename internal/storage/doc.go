// Package storage persists the exchange state: registered chats, vote-window
// templates, directed relations, slot instances, candidates, polls and the
// delivery outbox.
package storage
