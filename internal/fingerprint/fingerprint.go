package fingerprint

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"authguard/internal/model"
)

// Generator keeps every device fingerprint observed so far. It is not safe
// for concurrent use; the engine serializes access.
type Generator struct {
	items map[string]*model.DeviceFingerprint
}

func NewGenerator() *Generator {
	return &Generator{items: make(map[string]*model.DeviceFingerprint)}
}

// ID derives the fingerprint identifier for a signature seen from origin.
func ID(signature, origin, language string) string {
	d := xxhash.New()
	_, _ = d.WriteString(signature)
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(origin)
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(strings.ToLower(strings.TrimSpace(language)))
	return fmt.Sprintf("fp_%016x", d.Sum64())
}

// Resolve returns the fingerprint for signature, creating it on first sight
// and refreshing LastSeen otherwise.
func (g *Generator) Resolve(signature, origin string, hints model.Hints, now time.Time) model.DeviceFingerprint {
	id := ID(signature, origin, hints.Language)
	if fp, ok := g.items[id]; ok {
		fp.LastSeen = now
		backfill(fp, hints)
		return *fp
	}
	browser, version := parseBrowser(signature)
	fp := &model.DeviceFingerprint{
		ID:               id,
		Signature:        signature,
		Browser:          browser,
		BrowserVersion:   version,
		OS:               parseOS(signature),
		DeviceClass:      parseDeviceClass(signature),
		ScreenResolution: orUnknown(hints.ScreenResolution),
		Timezone:         orUnknown(hints.Timezone),
		Language:         orUnknown(hints.Language),
		Platform:         orUnknown(hints.Platform),
		FirstSeen:        now,
		LastSeen:         now,
	}
	g.items[id] = fp
	return *fp
}

func (g *Generator) Get(id string) (model.DeviceFingerprint, bool) {
	fp, ok := g.items[id]
	if !ok {
		return model.DeviceFingerprint{}, false
	}
	return *fp, true
}

func (g *Generator) MarkBlocked(id string, blocked bool) {
	if fp, ok := g.items[id]; ok {
		fp.Blocked = blocked
	}
}

// Purge removes a fingerprint. It reports whether the id was known.
func (g *Generator) Purge(id string) bool {
	if _, ok := g.items[id]; !ok {
		return false
	}
	delete(g.items, id)
	return true
}

func (g *Generator) All() map[string]model.DeviceFingerprint {
	out := make(map[string]model.DeviceFingerprint, len(g.items))
	for id, fp := range g.items {
		out[id] = *fp
	}
	return out
}

// Restore replaces the known fingerprints with a persisted set.
func (g *Generator) Restore(items map[string]model.DeviceFingerprint) {
	g.items = make(map[string]*model.DeviceFingerprint, len(items))
	for id, fp := range items {
		fp := fp
		if fp.ID == "" {
			fp.ID = id
		}
		g.items[fp.ID] = &fp
	}
}

func (g *Generator) Len() int {
	return len(g.items)
}

func backfill(fp *model.DeviceFingerprint, hints model.Hints) {
	if fp.ScreenResolution == model.Unknown && hints.ScreenResolution != "" {
		fp.ScreenResolution = hints.ScreenResolution
	}
	if fp.Timezone == model.Unknown && hints.Timezone != "" {
		fp.Timezone = hints.Timezone
	}
	if fp.Platform == model.Unknown && hints.Platform != "" {
		fp.Platform = hints.Platform
	}
}

func orUnknown(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return model.Unknown
	}
	return v
}
