package persistence

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

var (
	snapshotEncMode cbor.EncMode
	snapshotDecMode cbor.DecMode
	zstdEncoder     *zstd.Encoder
	zstdDecoder     *zstd.Decoder
)

func init() {
	var err error
	snapshotEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("persistence: cbor encoder initialization failed: " + err.Error())
	}
	snapshotDecMode, err = cbor.DecOptions{MaxArrayElements: 1 << 20}.DecMode()
	if err != nil {
		panic("persistence: cbor decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("persistence: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("persistence: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeSnapshot packs updates as a zstd compressed CBOR array.
func encodeSnapshot(updates [][]byte) ([]byte, error) {
	if updates == nil {
		updates = [][]byte{}
	}
	raw, err := snapshotEncMode.Marshal(updates)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func decodeSnapshot(payload []byte) ([][]byte, error) {
	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var updates [][]byte
	if err := snapshotDecMode.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return updates, nil
}

// dedupe drops byte-identical updates, keeping first occurrences in order.
func dedupe(updates [][]byte) [][]byte {
	seen := make(map[[32]byte]struct{}, len(updates))
	out := make([][]byte, 0, len(updates))
	for _, update := range updates {
		sum := blake3.Sum256(update)
		if _, ok := seen[sum]; ok {
			continue
		}
		seen[sum] = struct{}{}
		out = append(out, update)
	}
	return out
}

// buildSnapshot de-duplicates updates, folds them with merge when available and encodes the
// result as a snapshot payload.
func buildSnapshot(updates [][]byte, merge MergeFunc) ([]byte, error) {
	updates = dedupe(updates)
	if merge != nil && len(updates) > 1 {
		merged, err := merge(updates...)
		if err != nil {
			return nil, fmt.Errorf("merge updates: %w", err)
		}
		updates = [][]byte{merged}
	}
	return encodeSnapshot(updates)
}

// expandRow turns a stored row into the updates it represents.
func expandRow(kind string, payload []byte) ([][]byte, error) {
	if kind == kindSnapshot {
		return decodeSnapshot(payload)
	}
	return [][]byte{payload}, nil
}
