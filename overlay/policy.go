package overlay

import (
	"fmt"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/config"
	"github.com/brettbedarf/layerfs/internal/util"
	"github.com/gobwas/glob"
)

// Policy customizes how an [Overlay] looks up and writes paths.
type Policy interface {
	// FindOn maps a logical path to the path used on the store at idx.
	// Returning false skips the store for this path.
	FindOn(store layerfs.Store, idx int, path string) (string, bool)
	// WritableStore returns the index of the store that receives writes
	// for path.
	WritableStore(path string) int
	// WritableStoreForRename is like WritableStore but may depend on the
	// new name.
	WritableStoreForRename(oldPath, newPath string) int
	// NotifyMigration is told when a write moves path from a back store to
	// the writable one. Advisory only.
	NotifyMigration(path string)
}

// DefaultPolicy looks paths up unchanged and writes to the front store.
type DefaultPolicy struct{}

func (DefaultPolicy) FindOn(_ layerfs.Store, _ int, path string) (string, bool) {
	return path, true
}

func (DefaultPolicy) WritableStore(string) int {
	return 0
}

func (DefaultPolicy) WritableStoreForRename(string, string) int {
	return 0
}

func (DefaultPolicy) NotifyMigration(path string) {
	logger := util.GetLogger("Overlay")
	logger.Debug().Str("path", path).Msg("Resource migrated to writable store")
}

type globRule struct {
	pattern string
	glob    glob.Glob
	layer   int
}

// GlobPolicy routes writes to the layer of the first rule whose pattern
// matches the path and to the front store otherwise.
type GlobPolicy struct {
	DefaultPolicy
	rules []globRule
	// OnMigration, if set, is called for every migration.
	OnMigration func(path string)
}

// NewGlobPolicy compiles rules. Patterns use '/' as separator, so "*"
// stays within one folder and "**" crosses folders.
func NewGlobPolicy(rules []config.WritableRule) (*GlobPolicy, error) {
	p := &GlobPolicy{rules: make([]globRule, 0, len(rules))}
	for _, r := range rules {
		g, err := glob.Compile(r.Pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid writable rule %q: %w", r.Pattern, err)
		}
		p.rules = append(p.rules, globRule{pattern: r.Pattern, glob: g, layer: r.Layer})
	}
	return p, nil
}

func (p *GlobPolicy) WritableStore(path string) int {
	for _, r := range p.rules {
		if r.glob.Match(path) {
			return r.layer
		}
	}
	return 0
}

func (p *GlobPolicy) WritableStoreForRename(_, newPath string) int {
	return p.WritableStore(newPath)
}

func (p *GlobPolicy) NotifyMigration(path string) {
	p.DefaultPolicy.NotifyMigration(path)
	if p.OnMigration != nil {
		p.OnMigration(path)
	}
}
