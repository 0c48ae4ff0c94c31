// Package crdt is a minimal state-based replicated document used by the gateway.
//
// A document is a grow-only set of opaque entries keyed by their BLAKE3 digest. Merging two
// documents is set union, so applying updates is commutative, associative and idempotent.
// Updates and state vectors travel as CBOR arrays.
package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// HashSize is the length of an entry digest.
const HashSize = 32

// Hash identifies an entry by content.
type Hash [HashSize]byte

// ErrMalformedUpdate is returned when an update cannot be decoded.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 20}.DecMode()
	if err != nil {
		panic(err)
	}
}

// HashEntry returns the digest of a single entry.
func HashEntry(entry []byte) Hash {
	return Hash(blake3.Sum256(entry))
}

// Doc is a concurrency-safe replicated document.
type Doc struct {
	mu      sync.RWMutex
	entries map[Hash][]byte
}

// NewDoc returns an empty document.
func NewDoc() *Doc {
	return &Doc{entries: make(map[Hash][]byte)}
}

// Len reports the number of entries held.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// ApplyUpdate merges an encoded update and returns the encoded subset that was new to
// this document. The returned slice is nil when nothing changed.
func (d *Doc) ApplyUpdate(update []byte) ([]byte, error) {
	entries, err := DecodeUpdate(update)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	added := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		h := HashEntry(entry)
		if _, ok := d.entries[h]; ok {
			continue
		}
		cp := append([]byte(nil), entry...)
		d.entries[h] = cp
		added = append(added, cp)
	}
	d.mu.Unlock()

	if len(added) == 0 {
		return nil, nil
	}
	return EncodeUpdate(added)
}

// EncodeStateAsUpdate encodes every entry as a single update.
func (d *Doc) EncodeStateAsUpdate() ([]byte, error) {
	return d.Diff(nil)
}

// EncodeStateVector encodes the sorted digests of every entry held.
func (d *Doc) EncodeStateVector() ([]byte, error) {
	d.mu.RLock()
	hashes := make([][]byte, 0, len(d.entries))
	for h := range d.entries {
		hashes = append(hashes, append([]byte(nil), h[:]...))
	}
	d.mu.RUnlock()

	sort.Slice(hashes, func(i, j int) bool { return bytes.Compare(hashes[i], hashes[j]) < 0 })
	return encMode.Marshal(hashes)
}

// Diff encodes the entries missing from the peer described by stateVector. A nil or empty
// state vector yields the whole document.
func (d *Doc) Diff(stateVector []byte) ([]byte, error) {
	known := make(map[Hash]struct{})
	if len(stateVector) > 0 {
		var hashes [][]byte
		if err := decMode.Unmarshal(stateVector, &hashes); err != nil {
			return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
		}
		for _, raw := range hashes {
			if len(raw) != HashSize {
				return nil, fmt.Errorf("%w: state vector hash of %d bytes", ErrMalformedUpdate, len(raw))
			}
			known[Hash(raw)] = struct{}{}
		}
	}

	d.mu.RLock()
	missing := make([][]byte, 0, len(d.entries))
	for h, entry := range d.entries {
		if _, ok := known[h]; ok {
			continue
		}
		missing = append(missing, entry)
	}
	d.mu.RUnlock()

	sort.Slice(missing, func(i, j int) bool { return bytes.Compare(missing[i], missing[j]) < 0 })
	return EncodeUpdate(missing)
}

// EncodeUpdate packs entries into an update.
func EncodeUpdate(entries [][]byte) ([]byte, error) {
	if entries == nil {
		entries = [][]byte{}
	}
	return encMode.Marshal(entries)
}

// DecodeUpdate unpacks an update into its entries.
func DecodeUpdate(update []byte) ([][]byte, error) {
	var entries [][]byte
	if err := decMode.Unmarshal(update, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return entries, nil
}

// MergeUpdates combines several updates into one, dropping duplicate entries.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	doc := NewDoc()
	for _, update := range updates {
		if _, err := doc.ApplyUpdate(update); err != nil {
			return nil, err
		}
	}
	return doc.EncodeStateAsUpdate()
}
