package adapters

import (
	"fmt"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/config"
)

// RegisterBuiltins registers all built-in layer types by default or only
// the specific ones if given.
func RegisterBuiltins(r *Registry, layerTypes ...string) {
	if len(layerTypes) == 0 {
		layerTypes = []string{config.DirLayerType, config.MemLayerType}
	}
	for _, lt := range layerTypes {
		switch lt {
		case config.DirLayerType:
			r.Register(lt, newDirLayer)
		case config.MemLayerType:
			r.Register(lt, newMemLayer)
		}
	}
}

func storeOptions(cfg config.LayerConfig) ([]StoreOption, error) {
	var opts []StoreOption
	if cfg.ReadOnly {
		opts = append(opts, WithReadOnly())
	}
	if cfg.MimeHints {
		opts = append(opts, WithMimeHints())
	}
	if cfg.AttrDB != "" {
		attrs, err := OpenLevelAttributes(cfg.AttrDB)
		if err != nil {
			return nil, fmt.Errorf("open attribute db %s: %w", cfg.AttrDB, err)
		}
		opts = append(opts, WithAttributes(attrs))
	}
	return opts, nil
}

func newDirLayer(cfg config.LayerConfig) (layerfs.Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%s layer requires a path", config.DirLayerType)
	}
	opts, err := storeOptions(cfg)
	if err != nil {
		return nil, err
	}
	return NewDirStore(cfg.Path, opts...), nil
}

func newMemLayer(cfg config.LayerConfig) (layerfs.Store, error) {
	opts, err := storeOptions(cfg)
	if err != nil {
		return nil, err
	}
	name := cfg.Path
	if name == "" {
		name = config.MemLayerType
	}
	return NewMemStore(name, opts...), nil
}
