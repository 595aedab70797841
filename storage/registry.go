// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// Hasher identifies how a storage map key argument is hashed into the storage key
type Hasher int

const (
	HasherIdentity Hasher = iota
	HasherBlake2_128
	HasherBlake2_256
	HasherBlake2_128Concat
	HasherTwox64Concat
	HasherTwox128
	HasherTwox256
)

var hasherNames = map[Hasher]string{
	HasherIdentity:         "Identity",
	HasherBlake2_128:       "Blake2_128",
	HasherBlake2_256:       "Blake2_256",
	HasherBlake2_128Concat: "Blake2_128Concat",
	HasherTwox64Concat:     "Twox64Concat",
	HasherTwox128:          "Twox128",
	HasherTwox256:          "Twox256",
}

func (h Hasher) String() string {
	if name, ok := hasherNames[h]; ok {
		return name
	}
	return fmt.Sprintf("Hasher(%d)", int(h))
}

// HasherByName returns the hasher with the given metadata name
func HasherByName(name string) (Hasher, bool) {
	for hasher, hasherName := range hasherNames {
		if hasherName == name {
			return hasher, true
		}
	}
	return 0, false
}

// Hash applies the hasher to data
func (h Hasher) Hash(data []byte) ([]byte, error) {
	switch h {
	case HasherIdentity:
		return data, nil
	case HasherBlake2_128:
		return blake2b128(data)
	case HasherBlake2_256:
		sum := blake2b.Sum256(data)
		return sum[:], nil
	case HasherBlake2_128Concat:
		sum, err := blake2b128(data)
		if err != nil {
			return nil, err
		}
		return append(sum, data...), nil
	case HasherTwox64Concat:
		return append(twox(data, 1), data...), nil
	case HasherTwox128:
		return twox(data, 2), nil
	case HasherTwox256:
		return twox(data, 4), nil
	default:
		return nil, fmt.Errorf("unknown hasher: %s", h)
	}
}

func blake2b128(data []byte) ([]byte, error) {
	hash, err := blake2b.New(16, nil)
	if err != nil {
		return nil, err
	}
	hash.Write(data)
	return hash.Sum(nil), nil
}

// twox concatenates the little-endian xxHash64 digests of data for seeds 0 through rounds-1
func twox(data []byte, rounds int) []byte {
	ret := make([]byte, 0, rounds*8)
	for seed := range rounds {
		digest := xxhash.NewWithSeed(uint64(seed))
		_, _ = digest.Write(data)
		ret = binary.LittleEndian.AppendUint64(ret, digest.Sum64())
	}
	return ret
}

var (
	ErrEntryNotFound  = errors.New("storage entry not found")
	ErrEntryExists    = errors.New("storage entry already registered")
	ErrArgumentCount  = errors.New("wrong number of storage key arguments")
	ErrInvalidHexData = errors.New("invalid hex data")
)

// Entry describes a storage item of a pallet. A plain value has no hashers, a map has one
// hasher per key argument
type Entry struct {
	Pallet  string
	Item    string
	Hashers []Hasher
}

// Prefix returns the storage key prefix shared by every key of the entry
func (e *Entry) Prefix() []byte {
	ret := twox([]byte(e.Pallet), 2)
	return append(ret, twox([]byte(e.Item), 2)...)
}

// Key builds the hex-encoded storage key for the SCALE-encoded key arguments. Passing fewer
// arguments than hashers yields a partial key usable for descendant queries
func (e *Entry) Key(args ...[]byte) (string, error) {
	if len(args) > len(e.Hashers) {
		return "", fmt.Errorf(
			"%w: %s.%s takes %d, got %d",
			ErrArgumentCount,
			e.Pallet,
			e.Item,
			len(e.Hashers),
			len(args),
		)
	}
	key := e.Prefix()
	for idx, arg := range args {
		hashed, err := e.Hashers[idx].Hash(arg)
		if err != nil {
			return "", err
		}
		key = append(key, hashed...)
	}
	return "0x" + hex.EncodeToString(key), nil
}

type entryId struct {
	pallet string
	item   string
}

// Registry is a table of storage entries keyed by pallet and item name, built once from
// decoded metadata
type Registry struct {
	mutex   sync.RWMutex
	entries map[entryId]*Entry
}

// NewRegistry returns a registry containing the provided entries
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{
		entries: make(map[entryId]*Entry),
	}
	for _, entry := range entries {
		if err := r.Register(entry); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an entry to the registry
func (r *Registry) Register(entry Entry) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	id := entryId{pallet: entry.Pallet, item: entry.Item}
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %s.%s", ErrEntryExists, entry.Pallet, entry.Item)
	}
	r.entries[id] = &entry
	return nil
}

// Lookup returns the entry for a pallet item
func (r *Registry) Lookup(pallet string, item string) (*Entry, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	entry, ok := r.entries[entryId{pallet: pallet, item: item}]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrEntryNotFound, pallet, item)
	}
	return entry, nil
}

// KeyFunc builds a storage key from key arguments
type KeyFunc func(args ...[]byte) (string, error)

// Accessor returns the key builder for a pallet item
func (r *Registry) Accessor(pallet string, item string) (KeyFunc, error) {
	entry, err := r.Lookup(pallet, item)
	if err != nil {
		return nil, err
	}
	return entry.Key, nil
}

// DecodeHex decodes a 0x-prefixed hex string as returned by the node
func DecodeHex(data string) ([]byte, error) {
	ret, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHexData, err)
	}
	return ret, nil
}
