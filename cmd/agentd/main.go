// Command agentd is the headless sync agent: it mounts every root named
// in the config file, brings up one cache tree / op graph / executor per
// device, serves the RPC facade over HTTP, and optionally advertises
// itself over mDNS so syncctl can find it without a --server flag.
//
// Grounded on the teacher's desktop/main.go service-wiring shape (build
// every backend piece up front, wire cross-references, then hand off to
// a long-running host) adapted from a Wails application host to a plain
// net/http server with signal-driven shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nsdrive/syncagent/backend/cachemgr"
	"github.com/nsdrive/syncagent/backend/clouddrive"
	"github.com/nsdrive/syncagent/backend/config"
	"github.com/nsdrive/syncagent/backend/device"
	"github.com/nsdrive/syncagent/backend/discovery"
	"github.com/nsdrive/syncagent/backend/executor"
	"github.com/nsdrive/syncagent/backend/iconstore"
	"github.com/nsdrive/syncagent/backend/localscan"
	"github.com/nsdrive/syncagent/backend/logging"
	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/opgraph"
	"github.com/nsdrive/syncagent/backend/rpcfacade"
	"github.com/nsdrive/syncagent/backend/signature"
	"github.com/nsdrive/syncagent/backend/store"
	"github.com/nsdrive/syncagent/backend/uidalloc"
)

var (
	flagConfigPath     string
	flagPort           int
	flagNoServerLaunch bool
	flagNoDiscovery    bool
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Runs the two-pane file-tree sync agent daemon",
	RunE:  runAgentd,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfigPath, "config", "$PROJECT_DIR/agent.yaml", "path to the agent config file")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "override server.port from the config file")
	rootCmd.Flags().BoolVar(&flagNoServerLaunch, "no-server-launch", false, "load config and mount roots but do not start the RPC server")
	rootCmd.Flags().BoolVar(&flagNoDiscovery, "no-discovery", false, "disable mDNS advertisement")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// deviceRuntime bundles the per-device pieces cmd/agentd tears down
// together on shutdown.
type deviceRuntime struct {
	uid     node.DeviceUID
	uids    *uidalloc.Allocator
	nodes   *store.NodeStore
	graph   *opgraph.Graph
	exec    *executor.Executor
	monitor *localscan.Monitor
	sigwork *signature.Worker
	poller  *clouddrive.Poller
	driver  *clouddrive.Driver // set for GDRIVE roots; releases a crypt-wrapped remote's temp config on shutdown
	cancel  context.CancelFunc
}

func runAgentd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("agentd: load config: %w", err)
	}
	if flagPort != 0 {
		cfg.Server.Port = flagPort
	}
	cfg.Server.NoServerLaunch = flagNoServerLaunch
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("agentd: %w", err)
	}

	logPath := os.Stderr
	log := logging.New(levelFromString(cfg.Log.Level), cfg.Log.Format, logPath)
	log.Infof("agentd: starting, cache_dir=%s roots=%d", cfg.Storage.CacheDirPath, len(cfg.Roots))
	clouddrive.CleanupOrphanedTempCryptRemotes(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	devices, err := device.LoadRegistry(filepath.Join(cfg.Storage.CacheDirPath, "devices.json"))
	if err != nil {
		return fmt.Errorf("agentd: load device registry: %w", err)
	}

	manager := cachemgr.NewManager(log)
	defer manager.Stop()
	resolver := cachemgr.NewResolver(manager)
	icons := iconstore.New()
	facade := rpcfacade.New(log, flagConfigPath, cfg, manager, devices, icons)

	var runtimes []*deviceRuntime
	for _, rootCfg := range cfg.Roots {
		rt, err := mountRoot(ctx, log, cfg, devices, manager, resolver, facade, rootCfg)
		if err != nil {
			log.Errorf("agentd: mount %s (%s) failed: %v", rootCfg.FriendlyName, rootCfg.TreeType, err)
			continue
		}
		runtimes = append(runtimes, rt)
	}
	defer func() {
		for _, rt := range runtimes {
			rt.cancel()
			if rt.monitor != nil {
				rt.monitor.Stop()
			}
			if rt.sigwork != nil {
				rt.sigwork.Stop()
			}
			if rt.poller != nil {
				rt.poller.StopAll()
				rt.poller.Close()
			}
			rt.graph.Close()
			rt.nodes.Close()
			rt.uids.Close()
			if rt.driver != nil {
				rt.driver.Close()
			}
		}
	}()

	var adv *discovery.Advertiser
	if !flagNoDiscovery {
		adv, err = discovery.Advertise(log)
		if err != nil {
			log.Warnf("agentd: mDNS advertisement unavailable: %v", err)
		} else {
			defer adv.Close()
		}
	}

	if cfg.Server.NoServerLaunch {
		log.Infof("agentd: --no-server-launch set, roots mounted, exiting run loop without serving")
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      facade.Router(),
		ReadTimeout:  cfg.ConnectionTimeout(),
		WriteTimeout: cfg.ConnectionTimeout(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("agentd: serving on %s", srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Infof("agentd: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("agentd: serve: %w", err)
		}
		return nil
	}
}

func levelFromString(s string) logging.Level {
	switch s {
	case "debug":
		return logging.Debug
	case "warn":
		return logging.Warn
	case "error":
		return logging.Error
	default:
		return logging.Info
	}
}
