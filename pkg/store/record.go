// Package store holds the application state fed by the payload router:
// orders, alerts, profiles, navigation assets, menus and paths.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/luxfi/assist/pkg/kvstore"
)

// record is the on-disk framing of every persisted model. Body keeps the
// wire JSON so stored models decode exactly like received ones.
type record struct {
	Kind    string `cbor:"kind"`
	SavedAt int64  `cbor:"saved_at"`
	Body    []byte `cbor:"body"`
}

// collection persists models of one kind under a key prefix.
type collection[T any] struct {
	kv     kvstore.KVStore
	kind   string
	prefix string
}

func newCollection[T any](kv kvstore.KVStore, kind string) *collection[T] {
	return &collection[T]{kv: kv, kind: kind, prefix: "assist/" + kind + "/"}
}

func (c *collection[T]) put(id string, v T) error {
	if c.kv == nil {
		return nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.kind, err)
	}
	data, err := cbor.Marshal(record{Kind: c.kind, SavedAt: time.Now().UnixNano(), Body: body})
	if err != nil {
		return fmt.Errorf("frame %s: %w", c.kind, err)
	}
	return c.kv.Put(c.prefix+id, data)
}

func (c *collection[T]) get(id string) (T, bool, error) {
	var zero T
	if c.kv == nil {
		return zero, false, nil
	}
	data, err := c.kv.Get(c.prefix + id)
	if errors.Is(err, kvstore.ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	rec, err := c.decode(data)
	if err != nil {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal(rec.Body, &v); err != nil {
		return zero, false, fmt.Errorf("decode %s: %w", c.kind, err)
	}
	return v, true, nil
}

func (c *collection[T]) delete(id string) error {
	if c.kv == nil {
		return nil
	}
	return c.kv.Delete(c.prefix + id)
}

// load returns every stored model ordered by save time.
func (c *collection[T]) load() ([]T, error) {
	if c.kv == nil {
		return nil, nil
	}
	keys, err := c.kv.Keys(c.prefix)
	if err != nil {
		return nil, err
	}

	type entry struct {
		at int64
		v  T
	}
	entries := make([]entry, 0, len(keys))
	for _, key := range keys {
		data, err := c.kv.Get(key)
		if err != nil {
			return nil, err
		}
		rec, err := c.decode(data)
		if err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(rec.Body, &v); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", c.kind, key, err)
		}
		entries = append(entries, entry{at: rec.SavedAt, v: v})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].at < entries[j].at })

	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.v
	}
	return out, nil
}

func (c *collection[T]) clear() error {
	if c.kv == nil {
		return nil
	}
	keys, err := c.kv.Keys(c.prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := c.kv.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (c *collection[T]) decode(data []byte) (record, error) {
	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("unframe %s: %w", c.kind, err)
	}
	if rec.Kind != c.kind {
		return rec, fmt.Errorf("record kind %q, want %q", rec.Kind, c.kind)
	}
	return rec, nil
}
