package core_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ikedaj/sheepdog/core"
	"github.com/ikedaj/sheepdog/internal/config"
	"github.com/ikedaj/sheepdog/internal/driver"
	"github.com/ikedaj/sheepdog/internal/membership"
	"github.com/ikedaj/sheepdog/internal/protocol"
)

func newCoreConfig(t *testing.T, name, addr string, port int) *config.Configuration {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Name = name
	cfg.Node.AdvertiseAddr = addr
	cfg.Node.AdvertisePort = port
	cfg.Node.VNodes = 4
	cfg.Storage.EpochLogDir = t.TempDir()
	cfg.Storage.Copies = 2
	cfg.Metrics.Enabled = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func newCoreNode(t *testing.T, ctx context.Context, bus *driver.LoopbackBus, name, addr string, port int) (*core.Core, *driver.Loopback) {
	t.Helper()
	cfg := newCoreConfig(t, name, addr, port)
	adapt := driver.NewLoopback(bus, membership.NodeID{Name: name}, membership.NodeEntry{
		Addr: cfg.Node.AdvertiseAddr, Port: uint16(port), VNodes: cfg.Node.VNodes,
	})
	c, err := core.New(cfg, nil, nil, adapt, core.Collaborators{})
	require.NoError(t, err)
	go c.Run(ctx)
	return c, adapt
}

// listenLoopback opens a real TCP listener on an ephemeral localhost port
// so the engine's default TCPProber can genuinely reach this node, and
// returns the address/port pair plus a closer.
func listenLoopback(t *testing.T) (string, int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, func() { ln.Close() }
}

// TestCoreBootstrapFormatAndSecondNodeAdmission drives the wiring core.New
// assembles (driver, epoch log, membership state, serializer, engine)
// through the same bring-up sequence a real deployment follows: one node
// bootstraps alone, a second joins while the cluster is still unformatted,
// and make-fs admits both into epoch 1 with identical rosters.
func TestCoreBootstrapFormatAndSecondNodeAdmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := driver.NewLoopbackBus()
	n1, _ := newCoreNode(t, ctx, bus, "n1", "10.0.0.1", 7001)
	require.NoError(t, n1.Join(nil))
	eventually(t, func() bool { return n1.State().JoinFinished() })
	require.Equal(t, membership.WaitForFormat, n1.State().Status())

	n2, _ := newCoreNode(t, ctx, bus, "n2", "10.0.0.1", 7002)
	require.NoError(t, n2.Join([]string{"n1"}))
	eventually(t, func() bool { return n2.State().JoinFinished() })
	require.Equal(t, n1.State().OrderedEntries(), n2.State().OrderedEntries())

	res, err := n1.Engine().SubmitVDIOp(ctx, protocol.VDIMakeFS, protocol.MakeFSBody{Copies: 3, Ctime: 13579}.Marshal())
	require.NoError(t, err)
	require.Contains(t, res.Status.String(), "Success")

	eventually(t, func() bool { return n1.State().Status() == membership.Ok })
	eventually(t, func() bool { return n2.State().Status() == membership.Ok })
	require.Equal(t, uint32(1), n1.State().Epoch())
	require.Equal(t, uint32(1), n2.State().Epoch())
	require.Equal(t, n1.State().OrderedEntries(), n2.State().OrderedEntries())
}

// TestCoreDeadPeerDepartureKeepsReachableMajority covers a formatted
// three-node cluster where one node dies without a graceful Leave: the
// survivors' majority-reachability check, run from their own ViewLeave
// handling, must not self-fence since a reachable majority remains, n1's
// epoch advances, and both survivors drop the dead peer from the roster.
func TestCoreDeadPeerDepartureKeepsReachableMajority(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr1, port1, close1 := listenLoopback(t)
	defer close1()
	addr2, port2, close2 := listenLoopback(t)
	defer close2()

	bus := driver.NewLoopbackBus()
	n1, _ := newCoreNode(t, ctx, bus, "n1", addr1, port1)
	require.NoError(t, n1.Join(nil))
	eventually(t, func() bool { return n1.State().JoinFinished() })

	n2, _ := newCoreNode(t, ctx, bus, "n2", addr2, port2)
	require.NoError(t, n2.Join([]string{"n1"}))
	eventually(t, func() bool { return n2.State().JoinFinished() })

	// n3 advertises an address nothing is listening on: its probe will
	// fail the way a genuinely dead peer's would.
	n3, n3Adapter := newCoreNode(t, ctx, bus, "n3", "127.0.0.1", 1)
	require.NoError(t, n3.Join([]string{"n1", "n2"}))
	eventually(t, func() bool { return n3.State().JoinFinished() })

	_, err := n1.Engine().SubmitVDIOp(ctx, protocol.VDIMakeFS, protocol.MakeFSBody{Copies: 3, Ctime: 24680}.Marshal())
	require.NoError(t, err)
	eventually(t, func() bool { return n3.State().Status() == membership.Ok })

	prevEpoch := n1.State().Epoch()

	// n3's process is killed without a graceful Leave: its Loopback drops
	// off the bus and the remaining members observe a view-leave, the
	// same as a real adapter's failure detector firing.
	n3Adapter.Leave()
	require.NoError(t, n3.Shutdown())

	eventually(t, func() bool { return n1.State().Epoch() > prevEpoch })
	require.Len(t, n1.State().OrderedNodes(), 2)
	require.Len(t, n2.State().OrderedNodes(), 2)
}

func eventually(t *testing.T, fn func() bool) {
	t.Helper()
	require.Eventually(t, fn, 2*time.Second, 5*time.Millisecond)
}
