package routing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"cascade/pkg/metrics"

	"github.com/go-logr/logr"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/sec"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
)

type P2PRouterConfig struct {
	DataDir    string
	Fs         afero.Fs
	Libp2pOpts []libp2p.Option
}

func (cfg *P2PRouterConfig) Apply(opts ...P2PRouterOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type P2PRouterOption func(cfg *P2PRouterConfig) error

func WithLibP2POptions(opts ...libp2p.Option) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		cfg.Libp2pOpts = opts
		return nil
	}
}

// WithDataDir enables persisting the private key so the node keeps its
// peer identity across restarts.
func WithDataDir(dataDir string) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		cfg.DataDir = dataDir
		return nil
	}
}

func WithFilesystem(fs afero.Fs) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		cfg.Fs = fs
		return nil
	}
}

var _ Router = &P2PRouter{}

// P2PRouter resolves and advertises content keys through a Kademlia
// distributed hash table. All keys are scoped to the deployment prefix so
// deployments sharing bootstrap infrastructure stay isolated. At fleet
// scale DHT traffic churns through connections faster than stateful
// firewalls expire them, deployments should exempt the router port from
// connection tracking.
type P2PRouter struct {
	bootstrapper Bootstrapper
	host         host.Host
	kdht         *dht.IpfsDHT
	rd           *routing.RoutingDiscovery
	prefix       string
	// Maps resolved peer addresses to their peer ids so that swarm
	// transfers can open streams to addresses handed out by Resolve.
	peerIDByAddr map[netip.AddrPort]peer.ID
	mxPeerIDs    sync.RWMutex
}

func NewP2PRouter(ctx context.Context, addr string, bs Bootstrapper, prefix string, opts ...P2PRouterOption) (*P2PRouter, error) {
	cfg := P2PRouterConfig{
		Fs: afero.NewOsFs(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return nil, errors.New("router needs a deployment prefix")
	}

	multiAddrs, err := listenMultiaddrs(addr)
	if err != nil {
		return nil, err
	}
	addrFactoryOpt := libp2p.AddrsFactory(func(addrs []ma.Multiaddr) []ma.Multiaddr {
		var ip4Ma, ip6Ma ma.Multiaddr
		for _, addr := range addrs {
			if manet.IsIPLoopback(addr) {
				continue
			}
			if isIp6(addr) {
				ip6Ma = addr
				continue
			}
			ip4Ma = addr
		}
		if ip6Ma != nil {
			return []ma.Multiaddr{ip6Ma}
		}
		if ip4Ma != nil {
			return []ma.Multiaddr{ip4Ma}
		}
		return nil
	})
	libp2pOpts := []libp2p.Option{
		libp2p.ListenAddrs(multiAddrs...),
		libp2p.PrometheusRegisterer(metrics.DefaultRegisterer),
		addrFactoryOpt,
	}
	if cfg.DataDir != "" {
		peerKey, err := loadOrCreatePrivateKey(ctx, cfg.Fs, cfg.DataDir)
		if err != nil {
			return nil, err
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(peerKey))
	}
	libp2pOpts = append(libp2pOpts, cfg.Libp2pOpts...)
	host, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not create host: %w", err)
	}
	if len(host.Addrs()) != 1 {
		addrs := []string{}
		for _, addr := range host.Addrs() {
			addrs = append(addrs, addr.String())
		}
		return nil, fmt.Errorf("expected single host address but got %d %s", len(addrs), strings.Join(addrs, ", "))
	}

	dhtOpts := []dht.Option{
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix("/cascade"),
		dht.DisableValues(),
		dht.MaxRecordAge(KeyTTL),
		dht.BootstrapPeersFunc(bootstrapFunc(ctx, bs, host)),
	}
	kdht, err := dht.New(ctx, host, dhtOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not create distributed hash table: %w", err)
	}
	rd := routing.NewRoutingDiscovery(kdht)

	r := &P2PRouter{
		bootstrapper: bs,
		host:         host,
		kdht:         kdht,
		rd:           rd,
		prefix:       prefix,
		peerIDByAddr: make(map[netip.AddrPort]peer.ID),
	}
	return r, nil
}

func (r *P2PRouter) Run(ctx context.Context) (err error) {
	self := fmt.Sprintf("%s/p2p/%s", r.host.Addrs()[0].String(), r.host.ID().String())
	logr.FromContextOrDiscard(ctx).WithName("p2p").Info("starting p2p router", "id", self, "prefix", r.prefix)
	if err := r.kdht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("could not bootstrap distributed hash table: %w", err)
	}
	defer func() {
		cerr := r.host.Close()
		if cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	err = r.bootstrapper.Run(ctx, self)
	if err != nil {
		return err
	}
	return nil
}

// Host exposes the libp2p host so the swarm transfer protocol can share
// the router's connections and identity.
func (r *P2PRouter) Host() host.Host {
	return r.host
}

// AddrPort returns the address peers dial to reach this node, for both
// DHT discovery and swarm piece streams.
func (r *P2PRouter) AddrPort() (netip.AddrPort, error) {
	return addrPortFromMultiaddr(r.host.Addrs()[0])
}

// PeerID returns the peer id previously resolved for the address.
func (r *P2PRouter) PeerID(addr netip.AddrPort) (peer.ID, bool) {
	r.mxPeerIDs.RLock()
	defer r.mxPeerIDs.RUnlock()
	id, ok := r.peerIDByAddr[addr]
	return id, ok
}

func (r *P2PRouter) Ready(ctx context.Context) (bool, error) {
	addrInfos, err := r.bootstrapper.Get(ctx)
	if err != nil {
		return false, err
	}
	if len(addrInfos) == 0 {
		return false, nil
	}
	if len(addrInfos) == 1 {
		matches, err := hostMatches(*host.InfoFromHost(r.host), addrInfos[0])
		if err != nil {
			return false, err
		}
		if matches {
			return true, nil
		}
	}
	if r.kdht.RoutingTable().Size() > 0 {
		return true, nil
	}
	err = r.kdht.Bootstrap(ctx)
	if err != nil {
		return false, err
	}
	return false, nil
}

func (r *P2PRouter) Resolve(ctx context.Context, key string, count int) (<-chan netip.AddrPort, error) {
	log := logr.FromContextOrDiscard(ctx).WithName("p2p").WithValues("key", key, "count", count)

	c, err := createCid(r.prefix, key)
	if err != nil {
		return nil, err
	}

	// If resolving without a limit (count=0), ensure that the peer address
	// channel does not become blocking by using a reasonable buffer size.
	peerBufferSize := count
	if peerBufferSize == 0 {
		peerBufferSize = 20
	}

	addrInfoCh := r.rd.FindProvidersAsync(ctx, c, count)
	peerCh := make(chan netip.AddrPort, peerBufferSize)
	go func() {
		defer close(peerCh)
		resolveTimer := prometheus.NewTimer(metrics.ResolveDurHistogram.WithLabelValues("libp2p"))
		defer resolveTimer.ObserveDuration()

		for addrInfo := range addrInfoCh {
			if addrInfo.ID == r.host.ID() {
				continue
			}
			if len(addrInfo.Addrs) != 1 {
				addrs := []string{}
				for _, addr := range addrInfo.Addrs {
					addrs = append(addrs, addr.String())
				}
				log.V(4).Info("unexpected number of addresses", "addresses", strings.Join(addrs, ", "))
				continue
			}

			peerAddr, err := addrPortFromMultiaddr(addrInfo.Addrs[0])
			if err != nil {
				log.Error(err, "could not convert provider address", "peer", addrInfo.ID.String())
				continue
			}

			r.mxPeerIDs.Lock()
			r.peerIDByAddr[peerAddr] = addrInfo.ID
			r.mxPeerIDs.Unlock()

			// Don't block if the client has disconnected before reading all
			// values from the channel.
			select {
			case peerCh <- peerAddr:
			default:
				log.V(4).Info("peer dropped: peer channel is full", "peer", peerAddr.String())
			}
		}
	}()
	return peerCh, nil
}

func (r *P2PRouter) Advertise(ctx context.Context, keys []string) error {
	for _, key := range keys {
		c, err := createCid(r.prefix, key)
		if err != nil {
			return err
		}
		err = r.rd.Provide(ctx, c, false)
		if err != nil {
			return err
		}
	}
	return nil
}

func bootstrapFunc(ctx context.Context, bootstrapper Bootstrapper, h host.Host) func() []peer.AddrInfo {
	log := logr.FromContextOrDiscard(ctx).WithName("p2p")
	return func() []peer.AddrInfo {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer bootstrapCancel()

		hostAddrs := h.Addrs()
		if len(hostAddrs) == 0 {
			return nil
		}
		var hostPort ma.Component
		ma.ForEach(hostAddrs[0], func(c ma.Component) bool {
			if c.Protocol().Code == ma.P_TCP {
				hostPort = c
				return false
			}
			return true
		})

		addrInfos, err := bootstrapper.Get(bootstrapCtx)
		if err != nil {
			log.Error(err, "could not get bootstrap addresses")
			return nil
		}
		filteredAddrInfos := []peer.AddrInfo{}
		for _, addrInfo := range addrInfos {
			// Skip addresses that match host.
			matches, err := hostMatches(*host.InfoFromHost(h), addrInfo)
			if err != nil {
				log.Error(err, "could not compare host with address")
				continue
			}
			if matches {
				log.Info("skipping bootstrap peer that is same as host")
				continue
			}

			// Add port to address if it is missing.
			modifiedAddrs := []ma.Multiaddr{}
			for _, addr := range addrInfo.Addrs {
				hasPort := false
				ma.ForEach(addr, func(c ma.Component) bool {
					if c.Protocol().Code == ma.P_TCP {
						hasPort = true
						return false
					}
					return true
				})
				if hasPort {
					modifiedAddrs = append(modifiedAddrs, addr)
					continue
				}
				modifiedAddrs = append(modifiedAddrs, ma.Join(addr, &hostPort))
			}
			addrInfo.Addrs = modifiedAddrs

			// Resolve ID if it is missing.
			if addrInfo.ID != "" {
				filteredAddrInfos = append(filteredAddrInfos, addrInfo)
				continue
			}
			addrInfo.ID = "id"
			err = h.Connect(bootstrapCtx, addrInfo)
			var mismatchErr sec.ErrPeerIDMismatch
			if !errors.As(err, &mismatchErr) {
				log.Error(err, "could not get peer id")
				continue
			}
			addrInfo.ID = mismatchErr.Actual
			filteredAddrInfos = append(filteredAddrInfos, addrInfo)
		}
		if len(filteredAddrInfos) == 0 {
			log.Info("no bootstrap nodes found")
			return nil
		}
		return filteredAddrInfos
	}
}

func listenMultiaddrs(addr string) ([]ma.Multiaddr, error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	tcpComp, err := ma.NewMultiaddr(fmt.Sprintf("/tcp/%s", p))
	if err != nil {
		return nil, err
	}
	ipComps := []ma.Multiaddr{}
	ip := net.ParseIP(h)
	if ip.To4() != nil {
		ipComp, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s", h))
		if err != nil {
			return nil, fmt.Errorf("could not create host multi address: %w", err)
		}
		ipComps = append(ipComps, ipComp)
	} else if ip.To16() != nil {
		ipComp, err := ma.NewMultiaddr(fmt.Sprintf("/ip6/%s", h))
		if err != nil {
			return nil, fmt.Errorf("could not create host multi address: %w", err)
		}
		ipComps = append(ipComps, ipComp)
	}
	if len(ipComps) == 0 {
		ipComps = []ma.Multiaddr{manet.IP6Unspecified, manet.IP4Unspecified}
	}
	multiAddrs := []ma.Multiaddr{}
	for _, ipComp := range ipComps {
		multiAddrs = append(multiAddrs, ipComp.Encapsulate(tcpComp))
	}
	return multiAddrs, nil
}

func isIp6(m ma.Multiaddr) bool {
	c, _ := ma.SplitFirst(m)
	if c == nil || c.Protocol().Code != ma.P_IP6 {
		return false
	}
	return true
}

func addrPortFromMultiaddr(maddr ma.Multiaddr) (netip.AddrPort, error) {
	ip, err := manet.ToIP(maddr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ipAddr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, errors.New("ip is not based on ipv4 or ipv6")
	}
	port := uint16(0)
	ma.ForEach(maddr, func(c ma.Component) bool {
		if c.Protocol().Code == ma.P_TCP {
			p, err := strconv.ParseUint(c.Value(), 10, 16)
			if err != nil {
				return false
			}
			port = uint16(p)
			return false
		}
		return true
	})
	if port == 0 {
		return netip.AddrPort{}, errors.New("multiaddr does not contain a tcp port")
	}
	return netip.AddrPortFrom(ipAddr.Unmap(), port), nil
}

func createCid(prefix, key string) (cid.Cid, error) {
	pref := cid.Prefix{
		Version:  1,
		Codec:    uint64(mc.Raw),
		MhType:   mh.SHA2_256,
		MhLength: -1,
	}
	c, err := pref.Sum([]byte(prefix + "/" + key))
	if err != nil {
		return cid.Cid{}, err
	}
	return c, nil
}

func hostMatches(host, addrInfo peer.AddrInfo) (bool, error) {
	// Skip self when address ID matches host ID.
	if host.ID != "" && addrInfo.ID != "" {
		return host.ID == addrInfo.ID, nil
	}

	// Skip self when IP matches
	hostIP, err := manet.ToIP(host.Addrs[0])
	if err != nil {
		return false, err
	}
	for _, addr := range addrInfo.Addrs {
		addrIP, err := manet.ToIP(addr)
		if err != nil {
			return false, err
		}
		if hostIP.Equal(addrIP) {
			return true, nil
		}
	}

	return false, nil
}

func loadOrCreatePrivateKey(ctx context.Context, fs afero.Fs, dataDir string) (crypto.PrivKey, error) { //nolint: ireturn // LibP2P returns interfaces so we also have to.
	keyPath := filepath.Join(dataDir, "private.key")
	log := logr.FromContextOrDiscard(ctx).WithValues("path", keyPath)
	err := fs.MkdirAll(dataDir, 0o755)
	if err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(fs, keyPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Info("creating a new private key")
		privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, err
		}
		rawBytes, err := privKey.Raw()
		if err != nil {
			return nil, err
		}
		pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(ed25519.PrivateKey(rawBytes))
		if err != nil {
			return nil, err
		}
		block := &pem.Block{
			Type:  "PRIVATE KEY",
			Bytes: pkcs8Bytes,
		}
		pemData := pem.EncodeToMemory(block)
		err = afero.WriteFile(fs, keyPath, pemData, 0o600)
		if err != nil {
			return nil, err
		}
		return privKey, nil
	}
	log.Info("loading the private key from data directory")
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("invalid PEM block in private key file")
	}
	parsedKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	edKey, ok := parsedKey.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an Ed25519 private key")
	}
	privKey, err := crypto.UnmarshalEd25519PrivateKey(edKey)
	if err != nil {
		return nil, err
	}
	return privKey, nil
}
