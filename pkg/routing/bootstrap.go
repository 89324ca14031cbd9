package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"
)

// Bootstrapper resolves the peers used to join the distributed hash table.
type Bootstrapper interface {
	// Run starts any long running tasks needed by the bootstrapper, with
	// the hosts own address as the identity it may need to share.
	Run(ctx context.Context, id string) error
	// Get returns the addresses to bootstrap with.
	Get(ctx context.Context) ([]peer.AddrInfo, error)
}

var _ Bootstrapper = &StaticBootstrapper{}

type StaticBootstrapper struct {
	mx    sync.RWMutex
	peers []peer.AddrInfo
}

func NewStaticBootstrapper(peers []peer.AddrInfo) *StaticBootstrapper {
	return &StaticBootstrapper{peers: peers}
}

func NewStaticBootstrapperFromStrings(peerStrs []string) (*StaticBootstrapper, error) {
	peers := []peer.AddrInfo{}
	for _, s := range peerStrs {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("could not parse bootstrap peer %s: %w", s, err)
		}
		// The peer component is optional, ids are resolved on connect
		// when missing.
		transport, id := peer.SplitAddr(maddr)
		addrInfo := peer.AddrInfo{ID: id}
		if transport != nil {
			addrInfo.Addrs = []ma.Multiaddr{transport}
		}
		peers = append(peers, addrInfo)
	}
	return NewStaticBootstrapper(peers), nil
}

func (b *StaticBootstrapper) Run(ctx context.Context, id string) error {
	<-ctx.Done()
	return nil
}

func (b *StaticBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return append([]peer.AddrInfo{}, b.peers...), nil
}

func (b *StaticBootstrapper) SetPeers(peers []peer.AddrInfo) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.peers = peers
}

var _ Bootstrapper = &DNSBootstrapper{}

// DNSBootstrapper bootstraps from the addresses behind a DNS name,
// typically a headless service or a round robin record covering the
// deployment. Peer ids are left empty and resolved on connect.
type DNSBootstrapper struct {
	host  string
	limit int
	// Server overrides the resolver from the system configuration, set
	// in tests to point at a local DNS server.
	Server string
}

func NewDNSBootstrapper(host string, limit int) *DNSBootstrapper {
	return &DNSBootstrapper{
		host:  host,
		limit: limit,
	}
}

func (b *DNSBootstrapper) Run(ctx context.Context, id string) error {
	<-ctx.Done()
	return nil
}

func (b *DNSBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	servers := []string{}
	if b.Server != "" {
		servers = append(servers, b.Server)
	} else {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("could not read resolver configuration: %w", err)
		}
		for _, server := range conf.Servers {
			servers = append(servers, net.JoinHostPort(server, conf.Port))
		}
	}
	if len(servers) == 0 {
		return nil, errors.New("no dns servers configured")
	}

	client := &dns.Client{Timeout: 5 * time.Second}
	errs := []error{}
	for _, server := range servers {
		addrInfo, err := b.query(ctx, client, server)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return []peer.AddrInfo{addrInfo}, nil
	}
	return nil, errors.Join(errs...)
}

func (b *DNSBootstrapper) query(ctx context.Context, client *dns.Client, server string) (peer.AddrInfo, error) {
	addrInfo := peer.AddrInfo{Addrs: []ma.Multiaddr{}}
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := dns.Msg{}
		msg.SetQuestion(dns.Fqdn(b.host), qtype)
		resp, _, err := client.ExchangeContext(ctx, &msg, server)
		if err != nil {
			return peer.AddrInfo{}, err
		}
		for _, answer := range resp.Answer {
			addr := ""
			switch record := answer.(type) {
			case *dns.A:
				addr = fmt.Sprintf("/ip4/%s", record.A.String())
			case *dns.AAAA:
				addr = fmt.Sprintf("/ip6/%s", record.AAAA.String())
			default:
				continue
			}
			maddr, err := ma.NewMultiaddr(addr)
			if err != nil {
				return peer.AddrInfo{}, err
			}
			addrInfo.Addrs = append(addrInfo.Addrs, maddr)
			if len(addrInfo.Addrs) >= b.limit {
				return addrInfo, nil
			}
		}
		if len(addrInfo.Addrs) > 0 {
			return addrInfo, nil
		}
	}
	return peer.AddrInfo{}, fmt.Errorf("dns lookup for %s returned no addresses", b.host)
}

var _ Bootstrapper = &HTTPBootstrapper{}

// HTTPBootstrapper serves this hosts multiaddress over HTTP while
// bootstrapping from the address served by another peer.
type HTTPBootstrapper struct {
	addr string
	peer string
}

func NewHTTPBootstrapper(addr, peer string) *HTTPBootstrapper {
	return &HTTPBootstrapper{
		addr: addr,
		peer: peer,
	}
}

func (b *HTTPBootstrapper) Run(ctx context.Context, id string) error {
	g, ctx := errgroup.WithContext(ctx)
	mux := http.NewServeMux()
	mux.HandleFunc("/id", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, id)
	})
	srv := http.Server{
		Addr:    b.addr,
		Handler: mux,
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (b *HTTPBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.peer, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bootstrap request returned status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	maddr, err := ma.NewMultiaddr(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, err
	}
	addrInfo, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, err
	}
	return []peer.AddrInfo{*addrInfo}, nil
}
