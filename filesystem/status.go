package filesystem

import (
	"fmt"
	"html"

	"github.com/brettbedarf/layerfs"
	"github.com/dustin/go-humanize"
)

// Status returns the display name and markup for a set of nodes. Stores
// implementing [layerfs.StatusProvider] decide first; otherwise a single
// node shows its name and size, several nodes their count and total size.
func (t *Tree) Status(nodes []*Node) (name, markup string) {
	if len(nodes) == 0 {
		return "", ""
	}
	if provider, ok := t.store.(layerfs.StatusProvider); ok {
		paths := make([]string, len(nodes))
		for i, n := range nodes {
			paths[i] = n.Path()
		}
		if name, markup, ok := provider.Annotate(paths); ok {
			return name, markup
		}
	}

	var total uint64
	for _, n := range nodes {
		if info, err := n.Stat(); err == nil && !info.IsFolder && info.Size > 0 {
			total += uint64(info.Size)
		}
	}
	if len(nodes) == 1 {
		name = nodes[0].Name()
		if nodes[0].IsRoot() {
			name = t.store.DisplayName()
		}
		if nodes[0].IsFolder() {
			return name, html.EscapeString(name)
		}
		return name, fmt.Sprintf("%s <i>(%s)</i>", html.EscapeString(name), humanize.Bytes(total))
	}
	name = fmt.Sprintf("%d items", len(nodes))
	return name, fmt.Sprintf("%s <i>(%s)</i>", name, humanize.Bytes(total))
}
