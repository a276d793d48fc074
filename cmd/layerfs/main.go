package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/brettbedarf/layerfs"
	"github.com/brettbedarf/layerfs/adapters"
	"github.com/brettbedarf/layerfs/config"
	"github.com/brettbedarf/layerfs/filesystem"
	"github.com/brettbedarf/layerfs/internal/util"
	"github.com/brettbedarf/layerfs/overlay"
	"github.com/brettbedarf/layerfs/server"
)

func main() {
	var (
		configPath string
		verbose    int
		umount     bool
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML or JSON config file describing the layers")
	flag.StringVar(&configPath, "c", "", "--config (shorthand)")
	flag.BoolVar(&umount, "umount", false,
		"Unmount the fs first if needed before mounting again. Useful for debuggers that don't exit properly.")
	flag.BoolVar(&umount, "u", false, "--umount (shorthand)")
	flag.IntVar(&verbose, "verbose", config.InfoVerbose, "Log verbosity level between 1 (error) and 5 (trace). Default is 3 (info).")
	flag.IntVar(&verbose, "v", config.InfoVerbose, "--verbose (shorthand)")
	flag.Parse()

	// verbosity from the config file applies unless the flag was given
	var verboseFlag *int
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "verbose" || f.Name == "v" {
			verboseFlag = &verbose
		}
	})

	logLvl := util.VerbosityLevel(verbose)
	util.InitializeLogger(logLvl)
	logger := util.GetLogger("main")

	mnt := flag.Arg(0)
	logger.Info().Int("verbose", verbose).Str("config", configPath).Str("mnt", mnt).Msg("LayerFS initializing")
	if mnt == "" {
		logger.Fatal().Msg("Mount point not specified; it must be passed as the argument")
	}
	if umount {
		cmd := exec.Command("fusermount", "-u", mnt)
		// we ignore error here if not already mounted
		cmd.Run() // nolint:errcheck
	}

	cfg, err := loadConfig(configPath, verboseFlag)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.LogLvl != logLvl {
		util.InitializeLogger(cfg.LogLvl)
		logger = util.GetLogger("main")
	}

	registry := adapters.NewRegistry()
	adapters.RegisterBuiltins(registry)

	tree, stores, err := buildTree(cfg, registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build layer stack")
	}
	defer adapters.CloseStores(stores)
	defer tree.Close()

	fs := server.New(tree, cfg)
	if err := fs.Serve(mnt); err != nil {
		logger.Fatal().Err(err).Msg("Failed to mount filesystem")
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	logger.Info().Str("mountpoint", mnt).Int("layers", len(stores)).Msg("Filesystem mounted successfully")

	sig := <-signalChan
	logger.Info().Str("signal", sig.String()).Msg("Received signal, unmounting filesystem")

	if err := fs.Unmount(); err != nil {
		logger.Error().Err(err).Msg("Failed to unmount filesystem")
	} else {
		logger.Info().Msg("Filesystem unmounted successfully")
	}
}

// loadConfig reads the config file, if any, and applies the CLI verbosity
// when it is non-nil.
func loadConfig(path string, verbose *int) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if path != "" {
		override, err := config.LoadConfigOverrideFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Merge(override)
	}
	if verbose != nil {
		cfg.Merge(&config.ConfigOverride{LogLvl: verbose})
	}
	if len(cfg.Layers) == 0 {
		cfg.Layers = []config.LayerConfig{{Type: config.MemLayerType}}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildTree creates the configured stores, stacks them in an overlay and
// returns a tree over it.
func buildTree(cfg *config.Config, registry *adapters.Registry) (*filesystem.Tree, []layerfs.Store, error) {
	if len(cfg.Layers) == 0 {
		return nil, nil, errors.New("no layers configured")
	}
	stores, err := registry.NewStores(cfg.Layers)
	if err != nil {
		return nil, nil, err
	}
	policy, err := overlay.NewGlobPolicy(cfg.WritableRules)
	if err != nil {
		adapters.CloseStores(stores)
		return nil, nil, err
	}
	o := overlay.New(stores,
		overlay.WithPolicy(policy),
		overlay.WithPropagateMasks(cfg.PropagateMasks),
		overlay.WithName(fmt.Sprintf("%s (%d layers)", cfg.FsName, len(stores))),
	)
	return filesystem.NewTree(o, cfg), stores, nil
}
