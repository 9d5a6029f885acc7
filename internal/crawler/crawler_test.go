package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iconloop/goloop-watchdog/internal/goloop"
)

type fakeCrawlAPI struct {
	details map[string]*goloop.ChainDetail
	preps   map[string]goloop.PRep
}

func (f *fakeCrawlAPI) ChainStatus(_ context.Context, baseURL string) (*goloop.ChainStatus, time.Duration, error) {
	d, ok := f.details[baseURL]
	if !ok {
		return nil, 0, errors.Errorf("no route to %s", baseURL)
	}
	return &d.ChainStatus, 0, nil
}

func (f *fakeCrawlAPI) ChainDetail(_ context.Context, baseURL, _ string) (*goloop.ChainDetail, error) {
	d, ok := f.details[baseURL]
	if !ok {
		return nil, errors.Errorf("no route to %s", baseURL)
	}
	return d, nil
}

func (f *fakeCrawlAPI) PReps(context.Context, string) (map[string]goloop.PRep, error) {
	return f.preps, nil
}

func node(id, addr string, topo goloop.PeerTopology) *goloop.ChainDetail {
	topo.Self = goloop.Peer{ID: id, Addr: addr}
	d := &goloop.ChainDetail{}
	d.NID = "0x1"
	d.Module.Network.P2P = topo
	return d
}

// testNetwork wires three reachable hosts plus two dead ones that only
// appear as neighbours. The entry node advertises one peer per list so
// the per-phase selections are distinguishable: friends and
// orphanages are reachable, the nephew (10.0.0.7) is dead, and the
// others/seed entries must never be walked.
func testNetwork() *fakeCrawlAPI {
	rtt := 0.004
	return &fakeCrawlAPI{
		details: map[string]*goloop.ChainDetail{
			"http://10.0.0.1:9000": node("hx1", "10.0.0.1:7100", goloop.PeerTopology{
				Friends:    []goloop.Peer{{ID: "hx2", Addr: "10.0.0.2:7100", RTT: &rtt}},
				Orphanages: []goloop.Peer{{ID: "hx3", Addr: "10.0.0.3:7100"}},
				Nephews:    []goloop.Peer{{ID: "hx7", Addr: "10.0.0.7:7100"}},
				Others:     []goloop.Peer{{ID: "hx5", Addr: "10.0.0.5:7100"}},
				Seeds:      map[string]string{"10.0.0.6:7100": "hx6"},
			}),
			"http://10.0.0.2:9000": node("hx2", "10.0.0.2:7100", goloop.PeerTopology{
				Children: []goloop.Peer{{ID: "hx4", Addr: "10.0.0.4:7100"}},
			}),
			"http://10.0.0.3:9000": node("hx3", "10.0.0.3:7100", goloop.PeerTopology{}),
		},
		preps: map[string]goloop.PRep{
			"hx1": {Name: "Node One", NodeAddress: "hx1"},
			"hx2": {Name: "Node Two", NodeAddress: "hx2"},
		},
	}
}

func newTestParser(client CrawlAPI, maxDepth int) *P2PNetworkParser {
	return NewP2PNetworkParser("http://10.0.0.1:9000", client,
		Config{MaxDepth: maxDepth}, zap.NewNop().Sugar())
}

func TestAddIPIdempotentOnIPCount(t *testing.T) {
	rtt := 0.01
	info := NewPeerInfo("hx1", "Node One")

	info.AddIP("10.0.0.1:7100", "friends", nil)
	info.AddIP("10.0.0.1:7100", "children", &rtt)
	info.AddIP("10.0.0.1:7100", "", nil)
	assert.Equal(t, 1, info.IPCount)
	assert.Equal(t, 3, info.IPAddresses["10.0.0.1:7100"].Count)
	assert.Equal(t, "children", info.IPAddresses["10.0.0.1:7100"].PeerType,
		"later sighting with a concrete role wins, empty roles never overwrite")
	require.NotNil(t, info.IPAddresses["10.0.0.1:7100"].RTT)
	assert.Equal(t, rtt, *info.IPAddresses["10.0.0.1:7100"].RTT)

	info.AddIP("10.0.0.9:7100", "seed", nil)
	assert.Equal(t, 2, info.IPCount)
	assert.Equal(t, []string{"10.0.0.1:7100", "10.0.0.9:7100"}, info.Addresses())
}

func TestExtractIPAndPort(t *testing.T) {
	ip, port := extractIPAndPort("10.0.0.1:7100", "7100")
	assert.Equal(t, "10.0.0.1", ip)
	assert.Equal(t, "7100", port)

	ip, port = extractIPAndPort("10.0.0.1", "7100")
	assert.Equal(t, "10.0.0.1", ip)
	assert.Equal(t, "7100", port)

	ip, port = extractIPAndPort("http://10.0.0.1:9000", "7100")
	assert.Equal(t, "10.0.0.1", ip)
	assert.Equal(t, "9000", port)
}

func TestCrawlDepthZeroVisitsOnlyEntryNode(t *testing.T) {
	p := newTestParser(testNetwork(), 0)

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), p.visited.Len())
	// Connected neighbours are still discovered as addresses, just
	// not walked.
	assert.Contains(t, result.IPs, "10.0.0.1")
	assert.Contains(t, result.IPs, "10.0.0.2")
	assert.Contains(t, result.IPs, "10.0.0.3")
	assert.Contains(t, result.IPs, "10.0.0.7")
	// Passive entries never enter discovery.
	assert.NotContains(t, result.IPs, "10.0.0.5")
	assert.NotContains(t, result.IPs, "10.0.0.6")
}

func TestCrawlWholeNetwork(t *testing.T) {
	p := newTestParser(testNetwork(), 3)

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.7"}, result.IPs)

	require.Contains(t, result.HXToIP, "hx1")
	require.Contains(t, result.HXToIP, "hx2")
	require.Contains(t, result.HXToIP, "hx3")
	assert.Equal(t, "Node Two", result.HXToIP["hx2"].Name)
	assert.Equal(t, "", result.HXToIP["hx3"].Name, "unregistered nodes carry no name")
	assert.Contains(t, result.HXToIP["hx2"].IPAddresses, "10.0.0.2:7100")

	// The node's own identity is keyed under the swept host, not its
	// advertised p2p address.
	assert.Contains(t, result.HXToIP["hx1"].IPAddresses, "10.0.0.1")
	assert.NotContains(t, result.HXToIP["hx1"].IPAddresses, "10.0.0.1:7100")

	assert.Equal(t, []string{"hx2"}, result.IPToHX["10.0.0.2:7100"])
}

func TestAddressBookIncludesPassivePeersButNotNephews(t *testing.T) {
	p := newTestParser(testNetwork(), 3)

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	// others and seed entries are recorded even though they are never
	// walked.
	require.Contains(t, result.HXToIP, "hx5")
	assert.Contains(t, result.HXToIP["hx5"].IPAddresses, "10.0.0.5:7100")
	assert.Equal(t, "others", result.HXToIP["hx5"].IPAddresses["10.0.0.5:7100"].PeerType)
	require.Contains(t, result.HXToIP, "hx6")
	assert.Equal(t, "seed", result.HXToIP["hx6"].IPAddresses["10.0.0.6:7100"].PeerType)

	// A node only ever advertised as a nephew never enters the book.
	assert.NotContains(t, result.HXToIP, "hx7")
}

func TestCrawlRevisitsNothing(t *testing.T) {
	p := newTestParser(testNetwork(), 10)

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	// Three reachable addresses plus the two dead ones, each claimed
	// once.
	assert.Equal(t, int64(5), p.visited.Len())
}

func TestCrawlUnreachableEntryNode(t *testing.T) {
	p := newTestParser(&fakeCrawlAPI{details: map[string]*goloop.ChainDetail{}}, 2)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.IPs)
	assert.Empty(t, result.HXToIP)
}
