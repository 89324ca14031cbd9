package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"cascade/internal/handoff"
	"cascade/pkg/governor"
	"cascade/pkg/metrics"
	"cascade/pkg/oci"
	"cascade/pkg/prep"
	"cascade/pkg/pull"
	"cascade/pkg/routing"
	"cascade/pkg/state"
	"cascade/pkg/store"
	"cascade/pkg/swarm"
)

type BootstrapConfig struct {
	BootstrapKind        string   `arg:"--bootstrap-kind,env:BOOTSTRAP_KIND" help:"Kind of bootsrapper to use."`
	DNSBootstrapDomain   string   `arg:"--dns-bootstrap-domain,env:DNS_BOOTSTRAP_DOMAIN" help:"Domain to use when bootstrapping using DNS."`
	HTTPBootstrapAddr    string   `arg:"--http-bootstrap-addr,env:HTTP_BOOTSTRAP_ADDR" help:"Address to serve for HTTP bootstrap."`
	HTTPBootstrapPeer    string   `arg:"--http-bootstrap-peer,env:HTTP_BOOTSTRAP_PEER" help:"Peer to HTTP bootstrap with."`
	StaticBootstrapPeers []string `arg:"--static-bootstrap-peers,env:STATIC_BOOTSTRAP_PEERS" help:"Static list of peers to bootstrap with."`
}

type StoreConfig struct {
	StoreKind            string `arg:"--store-kind,env:STORE_KIND" default:"containerd" help:"Image store to adapt: containerd, docker, sif or memory."`
	ContainerdSock       string `arg:"--containerd-sock,env:CONTAINERD_SOCK" default:"/run/containerd/containerd.sock" help:"Endpoint of containerd service."`
	ContainerdNamespace  string `arg:"--containerd-namespace,env:CONTAINERD_NAMESPACE" default:"k8s.io" help:"Containerd namespace to import images into."`
	ContainerdConfigPath string `arg:"--containerd-config-path,env:CONTAINERD_CONFIG_PATH" default:"/etc/containerd/config.toml" help:"Path of the containerd configuration file."`
	SIFDir               string `arg:"--sif-dir,env:SIF_DIR" default:"/var/lib/cascade/sif" help:"Directory holding SIF image files."`
}

type RunCmd struct {
	BootstrapConfig
	StoreConfig
	Images                    []string      `arg:"--image,env:IMAGES" help:"Images required on this node."`
	DirectImages              []string      `arg:"--direct-image,env:DIRECT_IMAGES" help:"Images that always pull directly from the registry."`
	Prefix                    string        `arg:"--prefix,env:CASCADE_PREFIX" help:"Deployment prefix scoping rendezvous state to this fleet."`
	HandoffFile               string        `arg:"--handoff-file,env:CASCADE_HANDOFF_FILE" help:"Path of the env file written by the node bootstrap."`
	NodeIP                    string        `arg:"--node-ip,env:CASCADE_NODE_IP" help:"IP address peers use to reach this node."`
	PrivateRegistry           string        `arg:"--private-registry,env:CASCADE_PRIVATE_REGISTRY" help:"Registry host[:port] to pull through instead of each image's own registry."`
	DataDir                   string        `arg:"--data-dir,env:DATA_DIR" default:"/var/lib/cascade" help:"Directory where Cascade persists data."`
	PrepDir                   string        `arg:"--prep-dir,env:PREP_DIR" default:"/var/lib/cascade/prep" help:"Directory holding the node preparation sentinels and journal."`
	RendezvousDir             string        `arg:"--rendezvous-dir,env:RENDEZVOUS_DIR" help:"Deployment shared directory backing the durable rendezvous store."`
	RouterAddr                string        `arg:"--router-addr,env:ROUTER_ADDR" default:":5001" help:"Address to serve the p2p router."`
	MetricsAddr               string        `arg:"--metrics-addr,env:METRICS_ADDR" default:":9090" help:"Address to serve metrics."`
	P2PEnabled                bool          `arg:"--p2p-enabled,env:P2P_ENABLED" default:"true" help:"Exchange images with peers instead of pulling everything directly."`
	NonP2PConcurrentDownloads int           `arg:"--non-p2p-concurrent-downloads,env:NON_P2P_CONCURRENT_DOWNLOADS" default:"1" help:"Bound on concurrent direct registry downloads."`
	SeedBias                  int           `arg:"--seed-bias,env:SEED_BIAS" default:"1" help:"Number of nodes per image that pull directly to seed the deployment."`
	CompressionEnabled        bool          `arg:"--compression-enabled,env:COMPRESSION_ENABLED" default:"false" help:"Compress artifacts before splitting them into pieces."`
	PullPassthrough           bool          `arg:"--pull-passthrough,env:PULL_PASSTHROUGH" default:"true" help:"Allow swarm sessions to degrade to a direct registry pull."`
	RegistryPlainHTTP         bool          `arg:"--registry-plain-http,env:REGISTRY_PLAIN_HTTP" default:"false" help:"Pull over plain http, for in-cluster registries without TLS."`
	PieceSize                 int64         `arg:"--piece-size,env:PIECE_SIZE" help:"Piece size in bytes for swarm transfers, zero keeps the default."`
	GracePeriod               time.Duration `arg:"--grace-period,env:GRACE_PERIOD" default:"30s" help:"How long discovery waits for peers before competing for a direct seed slot."`
	StallTimeout              time.Duration `arg:"--stall-timeout,env:STALL_TIMEOUT" default:"2m" help:"Fail or fall back when a transfer makes no progress for this long."`
	ResolveLatestTag          bool          `arg:"--resolve-latest-tag,env:RESOLVE_LATEST_TAG" default:"true" help:"When true images tagged latest are advertised to peers."`
}

type WaitCmd struct {
	StoreConfig
	WaitImages   []string      `arg:"--wait-image,required,env:WAIT_IMAGES" help:"Images to block on until they are present in the store."`
	PollInterval time.Duration `arg:"--poll-interval,env:POLL_INTERVAL" default:"2s" help:"How often to check the store."`
}

type StatusCmd struct {
	PrepDir string `arg:"--prep-dir,env:PREP_DIR" default:"/var/lib/cascade/prep" help:"Directory holding the node preparation sentinels."`
}

type Arguments struct {
	Run      *RunCmd    `arg:"subcommand:run"`
	Wait     *WaitCmd   `arg:"subcommand:wait"`
	Status   *StatusCmd `arg:"subcommand:status"`
	LogLevel slog.Level `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

func main() {
	args := &Arguments{}
	arg.MustParse(args)

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	klog.SetLogger(log)
	ctx := logr.NewContext(context.Background(), log)

	err := run(ctx, args)
	if err != nil {
		log.Error(err, "run exit with error")
		os.Exit(1)
	}
	log.Info("gracefully shutdown")
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer cancel()
	switch {
	case args.Run != nil:
		return runCommand(ctx, args.Run)
	case args.Wait != nil:
		return waitCommand(ctx, args.Wait)
	case args.Status != nil:
		return statusCommand(ctx, args.Status)
	default:
		return errors.New("unknown subcommand")
	}
}

func runCommand(ctx context.Context, args *RunCmd) (err error) {
	log := logr.FromContextOrDiscard(ctx)

	ho, err := resolveHandoff(ctx, args)
	if err != nil {
		return err
	}
	if args.P2PEnabled && ho.Prefix == "" {
		return errors.New("peer to peer distribution needs a deployment prefix")
	}
	if args.P2PEnabled && args.RendezvousDir == "" {
		return errors.New("peer to peer distribution needs a rendezvous directory")
	}
	imgs, err := parseImages(args.Images)
	if err != nil {
		return err
	}
	policy := governor.Policy{
		PeerToPeerEnabled:         args.P2PEnabled,
		NonP2PConcurrentDownloads: args.NonP2PConcurrentDownloads,
		SeedBias:                  args.SeedBias,
		CompressionEnabled:        args.CompressionEnabled,
		PullPassthroughEnabled:    args.PullPassthrough,
		DirectImages:              args.DirectImages,
	}
	err = policy.Validate()
	if err != nil {
		return err
	}

	machine, err := prep.NewMachine(args.PrepDir)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, machine.Close())
	}()
	err = machine.Begin(ctx)
	if errors.Is(err, prep.ErrAlreadyFinished) {
		log.Info("node already prepared, nothing to do")
		return nil
	}
	if err != nil {
		return err
	}

	err = distribute(ctx, args, policy, machine, imgs, ho)
	if err != nil {
		return errors.Join(err, machine.Fail(ctx, err))
	}
	return nil
}

// resolveHandoff merges flag configuration with the env file written by
// the node bootstrap. Handoff values win, the file carries what was only
// known after this node was provisioned.
func resolveHandoff(ctx context.Context, args *RunCmd) (handoff.Handoff, error) {
	username, password, err := loadBasicAuth()
	if err != nil {
		return handoff.Handoff{}, err
	}
	ho := handoff.Handoff{
		Prefix:           args.Prefix,
		NodeIP:           args.NodeIP,
		PrivateRegistry:  args.PrivateRegistry,
		RegistryUsername: username,
		RegistryPassword: password,
	}
	if args.HandoffFile == "" {
		return ho, nil
	}
	loaded, err := handoff.Load(afero.NewOsFs(), args.HandoffFile)
	if err != nil {
		return handoff.Handoff{}, err
	}
	logr.FromContextOrDiscard(ctx).Info("loaded bootstrap handoff", loaded.LogValues()...)
	if loaded.Prefix != "" {
		ho.Prefix = loaded.Prefix
	}
	if loaded.NodeIP != "" {
		ho.NodeIP = loaded.NodeIP
	}
	if loaded.PrivateRegistry != "" {
		ho.PrivateRegistry = loaded.PrivateRegistry
	}
	if loaded.HasCredentials() {
		ho.RegistryUsername = loaded.RegistryUsername
		ho.RegistryPassword = loaded.RegistryPassword
	}
	ho.Checkpoints = loaded.Checkpoints
	return ho, nil
}

func distribute(ctx context.Context, args *RunCmd, policy governor.Policy, machine *prep.Machine, imgs []oci.Image, ho handoff.Handoff) error {
	log := logr.FromContextOrDiscard(ctx)

	imgStore, err := getStore(args.StoreConfig)
	if err != nil {
		return err
	}
	err = imgStore.Verify(ctx)
	if err != nil {
		return err
	}

	pullOpts := []pull.ClientOption{
		pull.WithScratchDir(filepath.Join(args.DataDir, "scratch")),
		pull.WithPlainHTTP(args.RegistryPlainHTTP),
	}
	if ho.PrivateRegistry != "" {
		pullOpts = append(pullOpts, pull.WithPrivateRegistry(ho.PrivateRegistry))
	}
	if ho.HasCredentials() {
		pullOpts = append(pullOpts, pull.WithBasicAuth(ho.RegistryUsername, ho.RegistryPassword))
	}
	puller, err := pull.NewClient(imgStore, pullOpts...)
	if err != nil {
		return err
	}
	gov, err := governor.New(policy, puller)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var engine governor.SwarmEngine
	if args.P2PEnabled {
		bootstrapper, err := getBootstrapper(args.BootstrapConfig)
		if err != nil {
			return err
		}
		router, err := routing.NewP2PRouter(ctx, args.RouterAddr, bootstrapper, ho.Prefix, routing.WithDataDir(args.DataDir))
		if err != nil {
			return err
		}
		g.Go(func() error {
			return router.Run(ctx)
		})

		selfAddr, err := router.AddrPort()
		if err != nil {
			return err
		}
		if ho.NodeIP != "" {
			ip, err := netip.ParseAddr(ho.NodeIP)
			if err != nil {
				return fmt.Errorf("invalid node ip %s: %w", ho.NodeIP, err)
			}
			selfAddr = netip.AddrPortFrom(ip, selfAddr.Port())
		}
		nodeID := router.Host().ID().String()

		durable, err := routing.NewDurableChannel(args.RendezvousDir, ho.Prefix, nodeID, selfAddr)
		if err != nil {
			return err
		}
		chn, err := routing.NewComposite(durable, router, durable)
		if err != nil {
			return err
		}

		cache, err := swarm.NewCache(filepath.Join(args.DataDir, "artifacts"))
		if err != nil {
			return err
		}
		directory := state.NewPeerDirectory()
		transport := swarm.NewLibp2pTransport(router.Host(), swarm.ResolverChain{router, directory})
		transport.Register(swarm.NewServer(cache))

		engineOpts := policy.EngineOptions(gov.Fallback())
		engineOpts = append(engineOpts,
			swarm.WithGracePeriod(args.GracePeriod),
			swarm.WithStallTimeout(args.StallTimeout),
		)
		if args.PieceSize > 0 {
			engineOpts = append(engineOpts, swarm.WithPieceSize(args.PieceSize))
		}
		swarmEngine, err := swarm.NewEngine(chn, imgStore, transport, cache, engineOpts...)
		if err != nil {
			return err
		}
		engine = swarmEngine

		tracker, err := state.NewTracker(imgStore, chn, nodeID, selfAddr,
			state.WithSessionSource(swarmEngine),
			state.WithDirectory(directory),
			state.WithResolveLatestTag(args.ResolveLatestTag),
		)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return tracker.Run(ctx)
		})
		// Publish presence and fill the peer directory before the first
		// session starts discovering.
		err = tracker.Refresh(ctx)
		if err != nil {
			log.Error(err, "could not publish the initial peer record")
		}
	}

	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
	mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	metricsSrv := &http.Server{
		Addr:    args.MetricsAddr,
		Handler: mux,
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		err := gov.Execute(ctx, engine, imgs)
		if err != nil {
			return err
		}
		err = machine.Complete(ctx)
		if err != nil {
			return err
		}
		log.Info("node preparation complete", "images", len(imgs))
		if !args.P2PEnabled {
			// Nothing left to serve, unwind the servers.
			cancel()
		}
		return nil
	})

	log.Info("running cascade", "prefix", ho.Prefix, "store", imgStore.Name(), "images", len(imgs), "p2p", args.P2PEnabled, "metrics", args.MetricsAddr)
	return g.Wait()
}

func waitCommand(ctx context.Context, args *WaitCmd) error {
	imgStore, err := getStore(args.StoreConfig)
	if err != nil {
		return err
	}
	imgs, err := parseImages(args.WaitImages)
	if err != nil {
		return err
	}
	return prep.WaitForImages(ctx, imgStore, imgs, args.PollInterval)
}

func statusCommand(ctx context.Context, args *StatusCmd) error {
	prepState, err := prep.Inspect(afero.NewOsFs(), args.PrepDir)
	if err != nil {
		return err
	}
	fmt.Println(prepState)
	// The exit code encodes the state: 0 ready, 1 failed, 2 not started.
	switch prepState {
	case prep.StateReady:
		return nil
	case prep.StateFailed:
		os.Exit(1)
	default:
		os.Exit(2)
	}
	return nil
}

func parseImages(refs []string) ([]oci.Image, error) {
	imgs := make([]oci.Image, 0, len(refs))
	for _, ref := range refs {
		img, err := oci.Parse(ref)
		if err != nil {
			return nil, err
		}
		imgs = append(imgs, img)
	}
	return imgs, nil
}

func getStore(cfg StoreConfig) (store.Store, error) { //nolint: ireturn // Return type can be different structs.
	switch cfg.StoreKind {
	case "containerd":
		return store.NewContainerd(cfg.ContainerdSock, cfg.ContainerdNamespace, store.WithConfigPath(cfg.ContainerdConfigPath))
	case "docker":
		return store.NewDocker()
	case "sif":
		return store.NewSIF(cfg.SIFDir)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store kind %s", cfg.StoreKind)
	}
}

func getBootstrapper(cfg BootstrapConfig) (routing.Bootstrapper, error) { //nolint: ireturn // Return type can be different structs.
	switch cfg.BootstrapKind {
	case "dns":
		return routing.NewDNSBootstrapper(cfg.DNSBootstrapDomain, 10), nil
	case "http":
		return routing.NewHTTPBootstrapper(cfg.HTTPBootstrapAddr, cfg.HTTPBootstrapPeer), nil
	case "static":
		return routing.NewStaticBootstrapperFromStrings(cfg.StaticBootstrapPeers)
	default:
		return nil, fmt.Errorf("unknown bootstrap kind %s", cfg.BootstrapKind)
	}
}

func loadBasicAuth() (string, string, error) {
	dirPath := "/etc/secrets/basic-auth"
	username, err := os.ReadFile(filepath.Join(dirPath, "username"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", "", err
	}
	password, err := os.ReadFile(filepath.Join(dirPath, "password"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", "", err
	}
	return string(username), string(password), nil
}
