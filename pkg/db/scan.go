package db

import (
	"bytes"
	"context"

	"segkv/pkg/types"
)

type ScanOptions struct {
	IterOptions
	// Prefix restricts the scan to keys starting with it.
	Prefix types.Key
	// Limit caps the number of pairs visited; 0 means no limit.
	Limit int
}

// ScanCallback receives borrowed key and value slices; copy them to keep
// them past the call.
type ScanCallback func(key types.Key, value types.Value) error

// Scan calls fn for every live key in range, in ascending order. It stops
// at the first error returned by fn or when ctx is done.
func (d *DB) Scan(ctx context.Context, opts ScanOptions, fn ScanCallback) error {
	bounds := opts.IterOptions
	if len(opts.Prefix) > 0 {
		if bounds.Lower == nil || bytes.Compare(bounds.Lower, opts.Prefix) < 0 {
			bounds.Lower = opts.Prefix
		}
		if end := prefixEnd(opts.Prefix); end != nil && (bounds.Upper == nil || bytes.Compare(end, bounds.Upper) < 0) {
			bounds.Upper = end
		}
	}

	it, err := d.NewIterator(&bounds)
	if err != nil {
		return err
	}
	defer it.Close()

	count := 0
	for it.First(); it.Valid(); it.Next() {
		if opts.Limit > 0 && count >= opts.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(opts.Prefix) > 0 && !bytes.HasPrefix(it.Key(), opts.Prefix) {
			break
		}
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
		count++
	}
	return it.Err()
}

// prefixEnd returns the smallest key greater than every key with the
// given prefix, or nil if there is none.
func prefixEnd(prefix types.Key) types.Key {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
