package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nsdrive/syncagent/backend/apperrors"
	"github.com/nsdrive/syncagent/backend/cachemgr"
	"github.com/nsdrive/syncagent/backend/clouddrive"
	"github.com/nsdrive/syncagent/backend/config"
	"github.com/nsdrive/syncagent/backend/device"
	"github.com/nsdrive/syncagent/backend/executor"
	"github.com/nsdrive/syncagent/backend/localscan"
	"github.com/nsdrive/syncagent/backend/logging"
	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/opgraph"
	"github.com/nsdrive/syncagent/backend/rpcfacade"
	"github.com/nsdrive/syncagent/backend/signature"
	"github.com/nsdrive/syncagent/backend/store"
	"github.com/nsdrive/syncagent/backend/uidalloc"
)

func deviceDBPath(cfg *config.Config, dev node.DeviceUID, name string) string {
	return filepath.Join(cfg.Storage.CacheDirPath, fmt.Sprintf("%s_%d.db", name, dev))
}

// checkUIDHighWaterMark confirms no node persisted in nodes carries a UID
// past uids' own high-water-mark, per spec §4.C. A store holding a UID
// the allocator doesn't know about means the two files fell out of sync
// (e.g. one was restored from an older backup than the other), which
// would otherwise let the allocator hand out a UID already in use.
func checkUIDHighWaterMark(ctx context.Context, nodes *store.NodeStore, uids *uidalloc.Allocator) error {
	max, err := nodes.MaxUID(ctx)
	if err != nil {
		return err
	}
	if max > uids.HighWater() {
		return apperrors.New(apperrors.KindCacheCorrupt, "E_UID_HIGH_WATER_MISMATCH",
			fmt.Sprintf("node store holds uid %d past allocator high-water-mark %d", max, uids.HighWater()), nil)
	}
	return nil
}

func mountRoot(ctx context.Context, log *logging.Logger, cfg *config.Config, devices *device.Registry, manager *cachemgr.Manager, resolver *cachemgr.Resolver, facade *rpcfacade.Facade, rootCfg config.RootConfig) (*deviceRuntime, error) {
	switch rootCfg.TreeType {
	case "LOCAL":
		return mountLocalRoot(ctx, log, cfg, devices, manager, resolver, facade, rootCfg)
	case "GDRIVE":
		return mountCloudRoot(ctx, log, cfg, devices, manager, resolver, facade, rootCfg)
	default:
		return nil, fmt.Errorf("unknown tree_type %q", rootCfg.TreeType)
	}
}

// mountLocalRoot brings up the full per-device pipeline for a local
// filesystem root: store + uid allocator + tree + op graph + executor,
// plus a live fsnotify monitor and signature worker feeding back into the
// tree, the same components exercised independently in
// backend/localscan, backend/signature, and backend/executor's own tests
// wired together for the first time here.
func mountLocalRoot(ctx context.Context, log *logging.Logger, cfg *config.Config, devices *device.Registry, manager *cachemgr.Manager, resolver *cachemgr.Resolver, facade *rpcfacade.Facade, rootCfg config.RootConfig) (*deviceRuntime, error) {
	dev, err := devices.GetOrCreate(node.TreeTypeLocal, rootCfg.Path, rootCfg.FriendlyName)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}

	nodes, err := store.OpenNodeStore(deviceDBPath(cfg, dev.DeviceUID, "nodes"), dev.DeviceUID)
	if err != nil {
		return nil, fmt.Errorf("open node store: %w", err)
	}
	uids, err := uidalloc.Open(deviceDBPath(cfg, dev.DeviceUID, "uids")+".bolt", dev.DeviceUID, cfg.Cache.UIDReservationBlockSize)
	if err != nil {
		nodes.Close()
		return nil, fmt.Errorf("open uid allocator: %w", err)
	}
	if err := checkUIDHighWaterMark(ctx, nodes, uids); err != nil {
		nodes.Close()
		uids.Close()
		return nil, fmt.Errorf("open node store: %w", err)
	}

	tree := cachemgr.NewTree(dev.DeviceUID, rootCfg.Path, nodes, uids, manager.Bus())
	manager.Mount(tree)

	graph, err := opgraph.Open(ctx, deviceDBPath(cfg, dev.DeviceUID, "ops"))
	if err != nil {
		nodes.Close()
		uids.Close()
		return nil, fmt.Errorf("open op graph: %w", err)
	}
	graph.SetLocator(tree)
	facade.Mount(dev.DeviceUID, graph, uids)

	if cfg.Op.CancelAllPendingOpsOnStartup {
		if err := cancelPendingOpsAndPlanningNodes(ctx, log, graph, tree, rootCfg.FriendlyName); err != nil {
			nodes.Close()
			uids.Close()
			graph.Close()
			return nil, fmt.Errorf("cancel pending ops on startup: %w", err)
		}
	}

	devCtx, cancel := context.WithCancel(ctx)
	exec := executor.New(log, graph, resolver, resolver, executor.Options{
		UpdateMetaForDstNodes:    cfg.Op.UpdateMetaForDstNodes,
		IsSecondsPrecisionEnough: cfg.Op.IsSecondsPrecisionEnough,
	})
	go exec.Run(devCtx)

	if err := manager.RequestDisplayTree(ctx, dev.DeviceUID, cfg.Cache.SyncFromLocalDiskOnLoad); err != nil {
		log.Warnf("agentd: initial load for %s failed: %v", rootCfg.FriendlyName, err)
	}

	rt := &deviceRuntime{uid: dev.DeviceUID, uids: uids, nodes: nodes, graph: graph, exec: exec, cancel: cancel}

	if cfg.Scan.EnableLiveMonitor {
		debounce := time.Duration(cfg.Scan.LocalChangeBatchIntervalMs) * time.Millisecond
		mon := localscan.NewMonitor(rootCfg.Path, log, debounce)
		mon.Start(devCtx)
		rt.monitor = mon
		go watchLocalTrigger(devCtx, log, manager, mon, dev.DeviceUID, rootCfg.FriendlyName)
	}
	if cfg.Scan.PeriodicRescanIntervalSec > 0 {
		interval := time.Duration(cfg.Scan.PeriodicRescanIntervalSec) * time.Second
		if err := manager.ScheduleRefresh(dev.DeviceUID, interval); err != nil {
			log.Warnf("agentd: schedule periodic rescan for %s failed: %v", rootCfg.FriendlyName, err)
		}
	}

	sigwork := signature.New(log, tree.CachedSignature, cfg.Sig.BytesPerBatchHighWatermark, time.Duration(cfg.Sig.BatchIntervalMs)*time.Millisecond)
	rt.sigwork = sigwork
	go feedSignatureRequests(devCtx, manager, sigwork, dev.DeviceUID, tree)
	go drainSignatureResults(devCtx, log, tree, sigwork)

	return rt, nil
}

// cancelPendingOpsAndPlanningNodes implements op.cancel_all_pending_ops_on_startup:
// archives the entire live op graph into a dated ops_archive batch, clears
// it, and removes the planning nodes (is_live=false) any cancelled
// MKDIR/CP/CP_ONTO op had reserved (spec §4.H).
func cancelPendingOpsAndPlanningNodes(ctx context.Context, log *logging.Logger, graph *opgraph.Graph, tree *cachemgr.Tree, friendlyName string) error {
	planningUIDs, err := graph.CancelAllPending(ctx)
	if err != nil {
		return err
	}
	for _, uid := range planningUIDs {
		if err := tree.RemovePlanningNode(ctx, uid); err != nil {
			log.Warnf("agentd: remove planning node %d for %s failed: %v", uid, friendlyName, err)
		}
	}
	log.Infof("agentd: cancelled all pending ops for %s on startup, removed %d planning node(s)", friendlyName, len(planningUIDs))
	return nil
}

// watchLocalTrigger bridges a Monitor's debounced burst signal into a
// full RefreshSubtree, the live-monitoring half of spec §4.E/§4.G's
// scan-on-demand-or-on-change split.
func watchLocalTrigger(ctx context.Context, log *logging.Logger, manager *cachemgr.Manager, mon *localscan.Monitor, dev node.DeviceUID, friendlyName string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-mon.Trigger():
			if err := manager.RefreshSubtree(ctx, dev); err != nil {
				log.Warnf("agentd: live-monitor refresh for %s failed: %v", friendlyName, err)
			}
		}
	}
}

// feedSignatureRequests submits a signature request for every local file
// the tree upserts, letting the worker's own lookup-based laziness (spec
// §4.D) decide whether a rehash is actually needed.
func feedSignatureRequests(ctx context.Context, manager *cachemgr.Manager, worker *signature.Worker, dev node.DeviceUID, tree *cachemgr.Tree) {
	events, unsubscribe := manager.Bus().Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Device != dev || ev.Type != cachemgr.NodeUpserted {
				continue
			}
			lf, ok := ev.Node.(*node.LocalFile)
			if !ok {
				continue
			}
			path, ok := tree.PathOf(lf.Identifier().NodeUID())
			if !ok {
				continue
			}
			worker.Submit(signature.Request{
				UID: lf.Identifier().NodeUID(), Path: path,
				SizeBytes: lf.SizeBytes, ModifyTs: lf.ModifyTs,
			})
		}
	}
}

func drainSignatureResults(ctx context.Context, log *logging.Logger, tree *cachemgr.Tree, worker *signature.Worker) {
	for res := range worker.Results() {
		if res.Err != nil {
			log.Warnf("agentd: signature for uid %d failed: %v", res.UID, res.Err)
			continue
		}
		if res.Skipped {
			continue
		}
		if err := tree.ApplySignature(ctx, res.UID, res.MD5, res.SHA256); err != nil {
			log.Warnf("agentd: persist signature for uid %d failed: %v", res.UID, err)
		}
	}
}

// cryptOptionsFor builds clouddrive.CryptOptions from rootCfg.Encrypt,
// reading the password out of the named environment variable rather than
// the config file itself — spec §6's opaque-credential handling extends
// naturally to a crypt password: it's a secret, not a tunable, so it has
// no business living in agent.yaml.
func cryptOptionsFor(rootCfg config.RootConfig) (*clouddrive.CryptOptions, error) {
	if !rootCfg.Encrypt.Enabled {
		return nil, nil
	}
	password := os.Getenv(rootCfg.Encrypt.PasswordEnvVar)
	if password == "" {
		return nil, fmt.Errorf("encrypt: %s is unset or empty", rootCfg.Encrypt.PasswordEnvVar)
	}
	var password2 string
	if rootCfg.Encrypt.Password2EnvVar != "" {
		password2 = os.Getenv(rootCfg.Encrypt.Password2EnvVar)
	}
	return &clouddrive.CryptOptions{
		Password:        password,
		Password2:       password2,
		FilenameEncrypt: rootCfg.Encrypt.FilenameEncrypt,
		DirNameEncrypt:  rootCfg.Encrypt.DirNameEncrypt,
	}, nil
}

// mountCloudRoot brings up a remote-backed device: a Driver over the
// rclone remote, a full SnapshotList seeding the tree, and a Poller
// deciding full-vs-incremental resync on the configured interval (spec
// §4.F's periodic-full-sync safety valve).
func mountCloudRoot(ctx context.Context, log *logging.Logger, cfg *config.Config, devices *device.Registry, manager *cachemgr.Manager, resolver *cachemgr.Resolver, facade *rpcfacade.Facade, rootCfg config.RootConfig) (*deviceRuntime, error) {
	dev, err := devices.GetOrCreate(node.TreeTypeGDrive, rootCfg.Remote, rootCfg.FriendlyName)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}

	crypt, err := cryptOptionsFor(rootCfg)
	if err != nil {
		return nil, err
	}
	driver, err := clouddrive.Open(ctx, dev.DeviceUID, rootCfg.Remote, crypt)
	if err != nil {
		return nil, fmt.Errorf("open remote %s: %w", rootCfg.Remote, err)
	}
	resolver.MountCloudDrive(dev.DeviceUID, driver)
	facade.MountCloudDrive(dev.DeviceUID, driver)

	nodes, err := store.OpenNodeStore(deviceDBPath(cfg, dev.DeviceUID, "nodes"), dev.DeviceUID)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("open node store: %w", err)
	}
	uids, err := uidalloc.Open(deviceDBPath(cfg, dev.DeviceUID, "uids")+".bolt", dev.DeviceUID, cfg.Cache.UIDReservationBlockSize)
	if err != nil {
		nodes.Close()
		driver.Close()
		return nil, fmt.Errorf("open uid allocator: %w", err)
	}
	if err := checkUIDHighWaterMark(ctx, nodes, uids); err != nil {
		nodes.Close()
		uids.Close()
		driver.Close()
		return nil, fmt.Errorf("open node store: %w", err)
	}

	tree := cachemgr.NewTree(dev.DeviceUID, rootCfg.Remote, nodes, uids, manager.Bus())
	manager.Mount(tree)

	graph, err := opgraph.Open(ctx, deviceDBPath(cfg, dev.DeviceUID, "ops"))
	if err != nil {
		nodes.Close()
		uids.Close()
		driver.Close()
		return nil, fmt.Errorf("open op graph: %w", err)
	}
	graph.SetLocator(tree)
	facade.Mount(dev.DeviceUID, graph, uids)

	if cfg.Op.CancelAllPendingOpsOnStartup {
		if err := cancelPendingOpsAndPlanningNodes(ctx, log, graph, tree, rootCfg.FriendlyName); err != nil {
			nodes.Close()
			uids.Close()
			graph.Close()
			driver.Close()
			return nil, fmt.Errorf("cancel pending ops on startup: %w", err)
		}
	}

	devCtx, cancel := context.WithCancel(ctx)
	exec := executor.New(log, graph, resolver, resolver, executor.Options{
		UpdateMetaForDstNodes:    cfg.Op.UpdateMetaForDstNodes,
		IsSecondsPrecisionEnough: cfg.Op.IsSecondsPrecisionEnough,
	})
	go exec.Run(devCtx)

	if err := tree.SetState(cachemgr.Loading); err != nil {
		cancel()
		driver.Close()
		return nil, err
	}
	if err := tree.Hydrate(ctx); err != nil {
		tree.SetState(cachemgr.Failed)
		cancel()
		driver.Close()
		return nil, fmt.Errorf("hydrate from cache: %w", err)
	}
	_, hadCache := tree.UIDForPath(".")

	// cache.sync_from_gdrive_on_cache_load mirrors
	// cache.sync_from_local_disk_on_cache_load's local counterpart: trust
	// the persisted store on a warm start, and only pay for a full remote
	// listing when the config demands it or nothing was cached yet.
	if cfg.Cache.SyncFromGDriveOnLoad || !hadCache {
		if err := tree.EstablishCloudRoot(ctx, rootCfg.FriendlyName); err != nil {
			cancel()
			driver.Close()
			return nil, fmt.Errorf("establish cloud root: %w", err)
		}
		entries, err := driver.SnapshotList(ctx)
		if err != nil {
			tree.SetState(cachemgr.Failed)
			cancel()
			driver.Close()
			return nil, fmt.Errorf("initial listing: %w", err)
		}
		if err := tree.ApplyCloudSnapshot(ctx, entries); err != nil {
			tree.SetState(cachemgr.Failed)
			cancel()
			driver.Close()
			return nil, fmt.Errorf("apply initial listing: %w", err)
		}
	}
	if err := tree.SetState(cachemgr.Loaded); err != nil {
		cancel()
		driver.Close()
		return nil, err
	}

	rt := &deviceRuntime{uid: dev.DeviceUID, uids: uids, nodes: nodes, graph: graph, exec: exec, cancel: cancel, driver: driver}

	if cfg.Cloud.PollingEnabled {
		poller, err := clouddrive.NewPoller(deviceDBPath(cfg, dev.DeviceUID, "deltacursor"), log)
		if err != nil {
			log.Warnf("agentd: poller unavailable for %s: %v", rootCfg.FriendlyName, err)
		} else {
			rt.poller = poller
			poller.EnsureWatcher(driver)
			interval := time.Duration(cfg.Cloud.PollIntervalSec) * time.Second
			go pollCloudRoot(devCtx, log, tree, driver, poller, interval)
		}
	}

	return rt, nil
}

// pollCloudRoot re-syncs a cloud device on a fixed interval, preferring
// the watcher's drained change set (ShouldPollIncrementally) and falling
// back to a full relist per spec §4.F's periodic-full-sync safety valve
// and MaxChangesBeforeFallback-style caution around a possibly-truncated
// change feed.
func pollCloudRoot(ctx context.Context, log *logging.Logger, tree *cachemgr.Tree, driver *clouddrive.Driver, poller *clouddrive.Poller, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := refreshCloudRoot(ctx, tree, driver, poller); err != nil {
				log.Warnf("agentd: cloud refresh for %s failed: %v", driver.Remote, err)
			}
		}
	}
}

func refreshCloudRoot(ctx context.Context, tree *cachemgr.Tree, driver *clouddrive.Driver, poller *clouddrive.Poller) error {
	if !poller.ShouldPollIncrementally(driver.Remote) {
		entries, err := driver.SnapshotList(ctx)
		if err != nil {
			return err
		}
		if err := tree.ApplyCloudSnapshot(ctx, entries); err != nil {
			return err
		}
		return poller.CommitFullSync(driver)
	}

	changed, ok := poller.DrainChanges(driver.Remote)
	if !ok {
		return nil
	}
	for _, relPath := range changed {
		entry, found, err := driver.NewObject(ctx, relPath)
		if err != nil {
			return err
		}
		if !found {
			if err := tree.RemoveCloudPath(ctx, relPath); err != nil {
				return err
			}
			continue
		}
		if err := tree.ApplyCloudEntry(ctx, entry); err != nil {
			return err
		}
	}
	return poller.CommitDelta(driver.Remote)
}
