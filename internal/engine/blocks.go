package engine

import (
	"sort"
	"strings"
	"time"

	"authguard/internal/model"
)

// BlockRegistry is the authoritative set of blocked origins and devices.
// Detection only ever adds; removal is an administrative action.
type BlockRegistry struct {
	origins map[string]model.BlockEntry
	devices map[string]model.BlockEntry
}

func NewBlockRegistry() *BlockRegistry {
	return &BlockRegistry{
		origins: make(map[string]model.BlockEntry),
		devices: make(map[string]model.BlockEntry),
	}
}

// BlockOrigin reports whether the origin was newly added.
func (b *BlockRegistry) BlockOrigin(addr, reason string, now time.Time) bool {
	return addEntry(b.origins, normalizeOrigin(addr), reason, now)
}

func (b *BlockRegistry) BlockDevice(id, reason string, now time.Time) bool {
	return addEntry(b.devices, strings.TrimSpace(id), reason, now)
}

func (b *BlockRegistry) IsOriginBlocked(addr string) bool {
	_, ok := b.origins[normalizeOrigin(addr)]
	return ok
}

func (b *BlockRegistry) IsDeviceBlocked(id string) bool {
	_, ok := b.devices[strings.TrimSpace(id)]
	return ok
}

func (b *BlockRegistry) UnblockOrigin(addr string) bool {
	key := normalizeOrigin(addr)
	if _, ok := b.origins[key]; !ok {
		return false
	}
	delete(b.origins, key)
	return true
}

func (b *BlockRegistry) UnblockDevice(id string) bool {
	key := strings.TrimSpace(id)
	if _, ok := b.devices[key]; !ok {
		return false
	}
	delete(b.devices, key)
	return true
}

func (b *BlockRegistry) Origins() []model.BlockEntry {
	return sortedEntries(b.origins)
}

func (b *BlockRegistry) Devices() []model.BlockEntry {
	return sortedEntries(b.devices)
}

func (b *BlockRegistry) OriginKeys() []string {
	return entryKeys(b.origins)
}

func (b *BlockRegistry) DeviceKeys() []string {
	return entryKeys(b.devices)
}

func (b *BlockRegistry) Counts() (origins, devices int) {
	return len(b.origins), len(b.devices)
}

// Restore loads persisted block sets. Restored entries carry the restore time
// since the persisted format holds keys only.
func (b *BlockRegistry) Restore(origins, devices []string, now time.Time) {
	b.origins = make(map[string]model.BlockEntry, len(origins))
	b.devices = make(map[string]model.BlockEntry, len(devices))
	for _, o := range origins {
		addEntry(b.origins, normalizeOrigin(o), "restored", now)
	}
	for _, d := range devices {
		addEntry(b.devices, strings.TrimSpace(d), "restored", now)
	}
}

func addEntry(set map[string]model.BlockEntry, key, reason string, now time.Time) bool {
	if key == "" {
		return false
	}
	if _, ok := set[key]; ok {
		return false
	}
	set[key] = model.BlockEntry{Key: key, Reason: reason, BlockedAt: now}
	return true
}

func sortedEntries(set map[string]model.BlockEntry) []model.BlockEntry {
	out := make([]model.BlockEntry, 0, len(set))
	for _, e := range set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func entryKeys(set map[string]model.BlockEntry) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// normalizeOrigin trims whitespace and IPv6 brackets and lowercases hex
// digits so the same address always maps to the same key.
func normalizeOrigin(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "[")
	addr = strings.TrimSuffix(addr, "]")
	return strings.ToLower(addr)
}
