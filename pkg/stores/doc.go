// Package stores provides persistence for polman policies.
//
// Every implementation satisfies Store: an in-memory map, a JSON file
// mirrored from memory and reloaded on external edits, SQLite with embedded
// migrations and an append-only event table, an embedded badger database
// and MongoDB. Mutators are atomic per policy; cross-policy transactions are
// not offered.
package stores
