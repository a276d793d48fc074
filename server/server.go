// Package server mounts a [filesystem.Tree] through FUSE.
package server

import (
	"time"

	"github.com/brettbedarf/layerfs/config"
	"github.com/brettbedarf/layerfs/filesystem"
	"github.com/brettbedarf/layerfs/internal/util"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Kernel cache timeouts. Short because the tree changes behind the
// kernel's back when stores are refreshed.
const (
	entryTimeout = time.Second
	attrTimeout  = time.Second
)

// LayerFs serves a tree over FUSE
type LayerFs struct {
	tree   *filesystem.Tree
	cfg    *config.Config
	server *fuse.Server
	logger util.Logger
}

// New creates a LayerFs serving tree with the mount settings of cfg.
func New(tree *filesystem.Tree, cfg *config.Config) *LayerFs {
	return &LayerFs{
		tree:   tree,
		cfg:    cfg,
		logger: util.GetLogger("Server"),
	}
}

// Serve mounts and serves the filesystem at the given mountPoint.
func (l *LayerFs) Serve(mountPoint string) error {
	opts := l.cfg.MountOptions
	entry, attr := entryTimeout, attrTimeout
	root := &fuseNode{lfs: l, node: l.tree.Root()}
	srv, err := fs.Mount(mountPoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:   opts.Name,
			FsName: opts.FsName,
			Debug:  opts.Debug || l.cfg.LogLvl == util.TraceLevel,
			Logger: util.NewLogLogger("FuseServer", util.DebugLevel),
		},
		EntryTimeout: &entry,
		AttrTimeout:  &attr,
	})
	if err != nil {
		return err
	}
	l.server = srv
	l.logger.Info().Str("mountpoint", mountPoint).Str("store", l.tree.Store().DisplayName()).Msg("Mounted")
	return srv.WaitMount()
}

func (l *LayerFs) ServeAsync(mountPoint string) <-chan error {
	done := make(chan error, 1)

	go func() {
		done <- l.Serve(mountPoint)
		close(done)
	}()

	return done
}

// Unmount cleanly unmounts the filesystem.
func (l *LayerFs) Unmount() error {
	if l.server == nil {
		return nil
	}
	return l.server.Unmount()
}

// Wait blocks until the filesystem is unmounted.
func (l *LayerFs) Wait() {
	if l.server != nil {
		l.server.Wait()
	}
}
