package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/userhub/userhub/internal/config"
	"github.com/userhub/userhub/internal/debughttp"
	"github.com/userhub/userhub/internal/hub"
	ilog "github.com/userhub/userhub/internal/log"
	"github.com/userhub/userhub/internal/spawner"
	"github.com/userhub/userhub/internal/store/sqlite"
)

func runServer(ctx context.Context, args []string) int {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	factory := spawner.NewLocalFactory(spawner.LocalConfig{
		Command:      strings.Fields(cfg.SpawnCommand),
		IP:           cfg.SpawnIP,
		StartTimeout: cfg.SpawnTimeout,
		StopTimeout:  cfg.StopTimeout,
	}, logger)

	h, err := hub.New(cfg, store, logger, factory)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hub setup error:", err)
		return 2
	}
	if err := debughttp.StartPprofServer(ctx, cfg.PprofListen, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 2
	}
	if err := h.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "hub error:", err)
		return 1
	}
	return 0
}
