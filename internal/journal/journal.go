// Package journal persists published events to a local pebble store, keyed by
// (channel, symbol, sequence). It backs the resync surface: a subscriber that
// missed events replays from its last seen sequence instead of rebuilding
// state from scratch.
package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/user/minivenue/internal/events"
)

// Journal is a pebble-backed event log.
type Journal struct {
	db *pebble.DB
}

// Open opens (or creates) the journal at dir.
func Open(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal at %s: %w", dir, err)
	}
	return &Journal{db: db}, nil
}

// Close flushes and closes the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}

// key layout: ev/<channel>/<symbol>/<seq:8 big-endian>
// Big-endian sequences keep lexicographic order equal to numeric order, so
// range scans replay in emission order.
func eventKey(channel events.Channel, symbol string, seq uint64) []byte {
	prefix := keyPrefix(channel, symbol)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func keyPrefix(channel events.Channel, symbol string) []byte {
	return []byte(fmt.Sprintf("ev/%s/%s/", channel, symbol))
}

// Append stores one serialised event under its sequence number.
func (j *Journal) Append(channel events.Channel, symbol string, seq uint64, payload []byte) error {
	if err := j.db.Set(eventKey(channel, symbol, seq), payload, pebble.NoSync); err != nil {
		return fmt.Errorf("journal append %s/%s seq %d: %w", channel, symbol, seq, err)
	}
	return nil
}

// LastSeq returns the highest stored sequence for (channel, symbol), or 0
// when nothing has been journaled yet.
func (j *Journal) LastSeq(channel events.Channel, symbol string) (uint64, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(channel, symbol, 0),
		UpperBound: eventKey(channel, symbol, ^uint64(0)),
	})
	if err != nil {
		return 0, fmt.Errorf("journal iter %s/%s: %w", channel, symbol, err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, nil
	}
	key := iter.Key()
	if len(key) < 8 {
		return 0, fmt.Errorf("journal key %q shorter than a sequence", key)
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), nil
}

// ReplayFrom streams stored events with seq >= from, in order. fn returning
// false stops the replay early.
func (j *Journal) ReplayFrom(channel events.Channel, symbol string, from uint64, fn func(seq uint64, payload []byte) bool) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(channel, symbol, from),
		UpperBound: eventKey(channel, symbol, ^uint64(0)),
	})
	if err != nil {
		return fmt.Errorf("journal iter %s/%s: %w", channel, symbol, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		seq := binary.BigEndian.Uint64(key[len(key)-8:])

		payload := make([]byte, len(iter.Value()))
		copy(payload, iter.Value())
		if !fn(seq, payload) {
			return nil
		}
	}
	return iter.Error()
}
