package remote

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	LayerMinSize = 2 * 1024 * 1024  // combine groups below this
	LayerSoftMax = 10 * 1024 * 1024 // soft maximum per layer
)

// PrefixInfo records which layer holds the objects of a hash prefix and a
// fingerprint of that prefix's object set.
type PrefixInfo struct {
	Hash  string `json:"hash"`
	Layer string `json:"layer"`
}

// packedObject is one object inside a layer.
type packedObject struct {
	Hash string `msgpack:"h"`
	Data []byte `msgpack:"d"`
}

func prefixOf(hash string) string {
	hash = strings.TrimPrefix(hash, "sha256:")
	if len(hash) >= 2 {
		return hash[:2]
	}
	return "00"
}

// GroupByPrefix buckets objects by the first byte of their hash.
func GroupByPrefix(objects map[string][]byte) map[string]map[string][]byte {
	out := make(map[string]map[string][]byte)
	for hash, data := range objects {
		p := prefixOf(hash)
		if out[p] == nil {
			out[p] = make(map[string][]byte)
		}
		out[p][hash] = data
	}
	return out
}

// PrefixHash fingerprints a set of objects by hash and size.
func PrefixHash(objects map[string][]byte) string {
	if len(objects) == 0 {
		return ""
	}
	h := sha256.New()
	var n [8]byte
	for _, hash := range slices.Sorted(maps.Keys(objects)) {
		h.Write([]byte(hash))
		binary.BigEndian.PutUint64(n[:], uint64(len(objects[hash])))
		h.Write(n[:])
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func groupSize(objects map[string][]byte) int64 {
	var total int64
	for _, data := range objects {
		total += int64(len(data))
	}
	return total
}

// PackLayer serializes objects, sorted by hash, as a msgpack array.
func PackLayer(objects map[string][]byte) ([]byte, error) {
	packed := make([]packedObject, 0, len(objects))
	for _, hash := range slices.Sorted(maps.Keys(objects)) {
		packed = append(packed, packedObject{Hash: hash, Data: objects[hash]})
	}
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(packed); err != nil {
		return nil, fmt.Errorf("encode layer: %w", err)
	}
	return buf.Bytes(), nil
}

func UnpackLayer(data []byte) (map[string][]byte, error) {
	var packed []packedObject
	if err := msgpack.Unmarshal(data, &packed); err != nil {
		return nil, fmt.Errorf("decode layer: %w", err)
	}
	out := make(map[string][]byte, len(packed))
	for _, o := range packed {
		out[o.Hash] = o.Data
	}
	return out, nil
}

// BuildLayerPlan assigns prefixes, in order, to layers of roughly
// LayerSoftMax bytes. A layer still under LayerMinSize may grow to twice the
// soft maximum rather than be left small.
func BuildLayerPlan(sizes map[string]int64) [][]string {
	var (
		layers  [][]string
		current []string
		size    int64
	)
	for _, prefix := range slices.Sorted(maps.Keys(sizes)) {
		next := size + sizes[prefix]
		switch {
		case len(current) == 0, next <= LayerSoftMax, size < LayerMinSize && next <= 2*LayerSoftMax:
			current = append(current, prefix)
			size = next
		default:
			layers = append(layers, current)
			current, size = []string{prefix}, sizes[prefix]
		}
	}
	if len(current) > 0 {
		layers = append(layers, current)
	}
	return layers
}
