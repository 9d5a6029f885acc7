package crawler

import (
	"sort"
	"strings"
)

// PeerEndpoint is one network address observed for a node identity,
// with how often and in which p2p role it was seen.
type PeerEndpoint struct {
	Count    int      `json:"count"`
	PeerType string   `json:"peer_type"`
	RTT      *float64 `json:"rtt,omitempty"`
}

// PeerInfo aggregates every address a single node identity was seen
// at across the whole crawl.
type PeerInfo struct {
	HX          string                   `json:"hx"`
	Name        string                   `json:"name"`
	IPAddresses map[string]*PeerEndpoint `json:"ip_addresses"`
	IPCount     int                      `json:"ip_count"`
}

func NewPeerInfo(hx, name string) *PeerInfo {
	return &PeerInfo{
		HX:          hx,
		Name:        name,
		IPAddresses: map[string]*PeerEndpoint{},
	}
}

// AddIP records one sighting of this identity at addr. A repeat
// sighting bumps the counter but never the distinct-address count.
func (p *PeerInfo) AddIP(addr, peerType string, rtt *float64) {
	if ep, ok := p.IPAddresses[addr]; ok {
		ep.Count++
		if peerType != "" {
			ep.PeerType = peerType
		}
		if rtt != nil {
			ep.RTT = rtt
		}
		return
	}
	p.IPAddresses[addr] = &PeerEndpoint{Count: 1, PeerType: peerType, RTT: rtt}
	p.IPCount = len(p.IPAddresses)
}

// Addresses returns the distinct addresses in sorted order.
func (p *PeerInfo) Addresses() []string {
	addrs := make([]string, 0, len(p.IPAddresses))
	for a := range p.IPAddresses {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return addrs
}

// extractIPAndPort splits a p2p network address into host and port,
// defaulting the port when the address carries none.
func extractIPAndPort(addr, defaultPort string) (ip, port string) {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "https://")
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i], addr[i+1:]
	}
	return addr, defaultPort
}
