package routing

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticBootstrapper(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bs, err := NewStaticBootstrapperFromStrings([]string{
		"/ip4/104.131.131.82/tcp/4001/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ",
		"/ip4/10.0.0.1/tcp/4001",
	})
	require.NoError(t, err)

	addrInfos, err := bs.Get(ctx)
	require.NoError(t, err)
	require.Len(t, addrInfos, 2)
	require.Equal(t, "QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ", addrInfos[0].ID.String())
	require.Len(t, addrInfos[0].Addrs, 1)
	require.Equal(t, "/ip4/104.131.131.82/tcp/4001", addrInfos[0].Addrs[0].String())
	require.Empty(t, addrInfos[1].ID)
	require.Len(t, addrInfos[1].Addrs, 1)

	_, err = NewStaticBootstrapperFromStrings([]string{"not a multiaddr"})
	require.Error(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() {
		runErr <- bs.Run(runCtx, "id")
	}()
	cancel()
	require.NoError(t, <-runErr)
}

func TestDNSBootstrapper(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := &dns.Msg{}
			m.SetReply(r)
			if r.Question[0].Qtype == dns.TypeA && r.Question[0].Name == "bootstrap.cascade.internal." {
				for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
					rr, err := dns.NewRR(fmt.Sprintf("%s 30 IN A %s", r.Question[0].Name, ip))
					if err != nil {
						continue
					}
					m.Answer = append(m.Answer, rr)
				}
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() {
		_ = srv.ActivateAndServe()
	}()
	t.Cleanup(func() {
		_ = srv.Shutdown()
	})

	ctx := context.Background()
	bs := NewDNSBootstrapper("bootstrap.cascade.internal", 2)
	bs.Server = pc.LocalAddr().String()
	addrInfos, err := bs.Get(ctx)
	require.NoError(t, err)
	require.Len(t, addrInfos, 1)
	require.Empty(t, addrInfos[0].ID)
	require.Len(t, addrInfos[0].Addrs, 2)
	require.Equal(t, "/ip4/10.0.0.1", addrInfos[0].Addrs[0].String())
	require.Equal(t, "/ip4/10.0.0.2", addrInfos[0].Addrs[1].String())

	missing := NewDNSBootstrapper("missing.cascade.internal", 2)
	missing.Server = pc.LocalAddr().String()
	_, err = missing.Get(ctx)
	require.Error(t, err)
}

func TestHTTPBootstrapper(t *testing.T) {
	t.Parallel()

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(privKey)
	require.NoError(t, err)
	self := fmt.Sprintf("/ip4/10.0.0.1/tcp/5000/p2p/%s", id.String())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	ctx, cancel := context.WithCancel(context.Background())
	server := NewHTTPBootstrapper(addr, "")
	runErr := make(chan error, 1)
	go func() {
		runErr <- server.Run(ctx, self)
	}()

	client := NewHTTPBootstrapper("", fmt.Sprintf("http://%s/id", addr))
	require.EventuallyWithT(t, func(c *assert.CollectT) {
		addrInfos, err := client.Get(ctx)
		require.NoError(c, err)
		require.Len(c, addrInfos, 1)
		require.Equal(c, id, addrInfos[0].ID)
		require.Len(c, addrInfos[0].Addrs, 1)
		require.Equal(c, "/ip4/10.0.0.1/tcp/5000", addrInfos[0].Addrs[0].String())
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-runErr)
}

func TestHTTPBootstrapperGetErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/garbage":
			_, _ = io.WriteString(w, "not a multiaddr")
		}
	}))
	t.Cleanup(srv.Close)

	bs := NewHTTPBootstrapper("", srv.URL+"/missing")
	_, err := bs.Get(ctx)
	require.ErrorContains(t, err, "bootstrap request returned status")

	bs = NewHTTPBootstrapper("", srv.URL+"/garbage")
	_, err = bs.Get(ctx)
	require.Error(t, err)
}
