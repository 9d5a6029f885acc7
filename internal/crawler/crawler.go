// Package crawler walks a goloop p2p network from a single entry node
// and builds the address book of every reachable peer.
package crawler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/set"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/iconloop/goloop-watchdog/internal/goloop"
)

const (
	// DefaultRPCPort is the JSON-RPC/admin port a node's p2p address
	// maps back to.
	DefaultRPCPort = "9000"
	// DefaultP2PPort fills in when a peer address carries no port.
	DefaultP2PPort = "7100"
)

// CrawlAPI is the node-facing surface the crawler needs.
type CrawlAPI interface {
	ChainStatus(ctx context.Context, baseURL string) (*goloop.ChainStatus, time.Duration, error)
	ChainDetail(ctx context.Context, baseURL, nid string) (*goloop.ChainDetail, error)
	PReps(ctx context.Context, baseURL string) (map[string]goloop.PRep, error)
}

// Config carries the crawl bounds.
type Config struct {
	// MaxDepth bounds the discovery recursion; 0 visits the entry
	// node only.
	MaxDepth int
	// MaxConcurrent bounds the identity-collection phase.
	MaxConcurrent int64
	RPCPort       string
	P2PPort       string
}

// Result is the finished address book.
type Result struct {
	// IPs are the distinct hosts discovered, sorted.
	IPs []string
	// HXToIP maps node identity to every address it was seen at.
	HXToIP map[string]*PeerInfo
	// IPToHX is the inverse view, address to identities.
	IPToHX  map[string][]string
	Elapsed time.Duration
}

// P2PNetworkParser crawls the network in two phases: a recursive
// discovery of reachable addresses, then a bounded-concurrency sweep
// that asks every discovered host who its neighbours are.
type P2PNetworkParser struct {
	startURL string
	client   CrawlAPI
	cfg      Config
	log      *zap.SugaredLogger

	visitMu sync.Mutex
	visited *set.Set
	ipSet   *set.Set

	peerMu sync.Mutex
	hxToIP map[string]*PeerInfo

	preps map[string]goloop.PRep

	sem *semaphore.Weighted
}

func NewP2PNetworkParser(startURL string, client CrawlAPI, cfg Config, log *zap.SugaredLogger) *P2PNetworkParser {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.RPCPort == "" {
		cfg.RPCPort = DefaultRPCPort
	}
	if cfg.P2PPort == "" {
		cfg.P2PPort = DefaultP2PPort
	}
	return &P2PNetworkParser{
		startURL: startURL,
		client:   client,
		cfg:      cfg,
		log:      log,
		visited:  set.New(),
		ipSet:    set.New(),
		hxToIP:   map[string]*PeerInfo{},
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// queryURL maps a p2p address (host:7100) to the host's RPC base URL.
func (p *P2PNetworkParser) queryURL(addr string) string {
	ip, _ := extractIPAndPort(addr, p.cfg.P2PPort)
	return fmt.Sprintf("http://%s:%s", ip, p.cfg.RPCPort)
}

// markVisited claims addr for this crawl. Exists and Add run under one
// lock so two goroutines reaching the same address race cleanly.
func (p *P2PNetworkParser) markVisited(addr string) bool {
	p.visitMu.Lock()
	defer p.visitMu.Unlock()
	if p.visited.Exists(addr) {
		return false
	}
	p.visited.Add(addr)
	return true
}

func (p *P2PNetworkParser) recordIP(addr string) {
	ip, _ := extractIPAndPort(addr, p.cfg.P2PPort)
	if ip != "" {
		p.ipSet.Add(ip)
	}
}

// peerRef is one neighbour sighting pulled out of a topology reply.
type peerRef struct {
	addr     string
	hx       string
	peerType string
	rtt      *float64
}

func listRefs(refs []peerRef, peers []goloop.Peer, kind string) []peerRef {
	for _, peer := range peers {
		refs = append(refs, peerRef{addr: peer.Addr, hx: peer.ID, peerType: kind, rtt: peer.RTT})
	}
	return refs
}

// discoveryRefs selects the peers the discovery phase walks: the
// node's own advertised address plus the four actively connected
// lists. Passive entries (parent, others, roots, seed) stay out of
// the walk.
func discoveryRefs(t *goloop.PeerTopology) []peerRef {
	refs := []peerRef{{addr: t.Self.Addr, hx: t.Self.ID, peerType: "self", rtt: t.Self.RTT}}
	refs = listRefs(refs, t.Friends, "friends")
	refs = listRefs(refs, t.Children, "children")
	refs = listRefs(refs, t.Nephews, "nephews")
	refs = listRefs(refs, t.Orphanages, "orphanages")
	return refs
}

// addressBookRefs selects the sightings the identity phase records:
// children/friends/orphanages/others, the parent, the roots and seed
// maps, and the node itself keyed by the swept host rather than its
// advertised address. Nephews are not recorded.
func addressBookRefs(t *goloop.PeerTopology, sweptHost string) []peerRef {
	refs := []peerRef{{addr: sweptHost, hx: t.Self.ID, peerType: "self", rtt: t.Self.RTT}}
	if t.Parent != nil {
		refs = append(refs, peerRef{addr: t.Parent.Addr, hx: t.Parent.ID, peerType: "parent", rtt: t.Parent.RTT})
	}
	refs = listRefs(refs, t.Children, "children")
	refs = listRefs(refs, t.Friends, "friends")
	refs = listRefs(refs, t.Orphanages, "orphanages")
	refs = listRefs(refs, t.Others, "others")
	for addr, hx := range t.Roots {
		refs = append(refs, peerRef{addr: addr, hx: hx, peerType: "roots"})
	}
	for addr, hx := range t.Seeds {
		refs = append(refs, peerRef{addr: addr, hx: hx, peerType: "seed"})
	}
	return refs
}

func (p *P2PNetworkParser) fetchTopology(ctx context.Context, baseURL string) (*goloop.PeerTopology, error) {
	status, _, err := p.client.ChainStatus(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	detail, err := p.client.ChainDetail(ctx, baseURL, status.NID)
	if err != nil {
		return nil, err
	}
	return detail.Topology(), nil
}

// collectIPs is the discovery phase: visit addr, remember the hosts
// it is actively connected to, then fan out to the unvisited ones one
// level deeper. Unreachable nodes are logged and skipped.
func (p *P2PNetworkParser) collectIPs(ctx context.Context, addr string, depth int, wg *sync.WaitGroup) {
	defer wg.Done()
	if ctx.Err() != nil {
		return
	}
	if !p.markVisited(addr) {
		return
	}

	topo, err := p.fetchTopology(ctx, p.queryURL(addr))
	if err != nil {
		p.log.Debugf("[p2p] skipping unreachable %s: %v", addr, err)
		return
	}
	p.recordIP(addr)

	refs := discoveryRefs(topo)
	for _, ref := range refs {
		if ref.addr != "" {
			p.recordIP(ref.addr)
		}
	}
	if depth >= p.cfg.MaxDepth {
		return
	}
	for _, ref := range refs {
		if ref.addr == "" || ref.peerType == "self" {
			continue
		}
		wg.Add(1)
		go p.collectIPs(ctx, ref.addr, depth+1, wg)
	}
}

// collectHX is the identity phase: ask one host who its neighbours
// are and fold every (identity, address) pair into the address book.
func (p *P2PNetworkParser) collectHX(ctx context.Context, ip string) {
	topo, err := p.fetchTopology(ctx, p.queryURL(ip))
	if err != nil {
		p.log.Debugf("[p2p] no identity data from %s: %v", ip, err)
		return
	}

	p.peerMu.Lock()
	defer p.peerMu.Unlock()
	for _, ref := range addressBookRefs(topo, ip) {
		if ref.hx == "" || ref.addr == "" {
			continue
		}
		info, ok := p.hxToIP[ref.hx]
		if !ok {
			info = NewPeerInfo(ref.hx, p.preps[ref.hx].Name)
			p.hxToIP[ref.hx] = info
		}
		info.AddIP(ref.addr, ref.peerType, ref.rtt)
	}
}

// loadPReps fetches the P-Rep registry once per crawl so identities
// can be labelled with their registered names. A registry failure only
// costs the names.
func (p *P2PNetworkParser) loadPReps(ctx context.Context) {
	preps, err := p.client.PReps(ctx, p.startURL)
	if err != nil {
		p.log.Warnf("[p2p] could not fetch P-Rep registry: %v", err)
		preps = map[string]goloop.PRep{}
	}
	p.preps = preps
}

// Run executes both phases and assembles the result.
func (p *P2PNetworkParser) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	startAddr := strings.TrimPrefix(strings.TrimPrefix(p.startURL, "http://"), "https://")

	p.log.Infof("[p2p] crawling from %s, max depth %d", p.startURL, p.cfg.MaxDepth)
	var wg sync.WaitGroup
	wg.Add(1)
	p.collectIPs(ctx, startAddr, 0, &wg)
	wg.Wait()

	ips := make([]string, 0, int(p.ipSet.Len()))
	for _, v := range p.ipSet.Flatten() {
		ips = append(ips, v.(string))
	}
	sort.Strings(ips)
	p.log.Infof("[p2p] discovery finished, %d hosts in %s", len(ips), time.Since(start))

	p.loadPReps(ctx)

	var sweep sync.WaitGroup
	for _, ip := range ips {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		sweep.Add(1)
		go func(ip string) {
			defer sweep.Done()
			defer p.sem.Release(1)
			p.collectHX(ctx, ip)
		}(ip)
	}
	sweep.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &Result{
		IPs:     ips,
		HXToIP:  p.hxToIP,
		IPToHX:  map[string][]string{},
		Elapsed: time.Since(start),
	}
	for hx, info := range p.hxToIP {
		for addr := range info.IPAddresses {
			result.IPToHX[addr] = append(result.IPToHX[addr], hx)
		}
	}
	for _, hxs := range result.IPToHX {
		sort.Strings(hxs)
	}
	p.log.Infof("[p2p] crawl finished, %d identities across %d hosts in %s",
		len(result.HXToIP), len(result.IPs), result.Elapsed)
	return result, nil
}
