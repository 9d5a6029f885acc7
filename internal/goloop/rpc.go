// Package goloop implements the RPC client facade the monitors depend
// on: typed decoding of goloop admin/chain endpoints, the JSON-RPC v3
// calls the monitors need, and a bounded-concurrency fasthttp
// transport with retry.
package goloop

// RPC definitions
const (
	LastBlockRPC   = "icx_getLastBlock"
	CallRPC        = "icx_call"
	GetPRepsMethod = "getPReps"
	JSONVersion    = "2.0"

	// ChainSCOREAddress is the built-in governance score that answers
	// getPReps queries.
	ChainSCOREAddress = "cx0000000000000000000000000000000000000000"

	// APIPath is the JSON-RPC v3 endpoint path on a goloop node.
	APIPath = "/api/v3"
)

// ChainStatus is one entry of the /admin/chain reply. The endpoint
// returns a JSON array with one entry per joined chain; the facade
// always takes the first. Height is a pointer so a reply that omits
// the field is distinguishable from a genuine height of zero.
type ChainStatus struct {
	CID       string `json:"cid"`
	NID       string `json:"nid"`
	Channel   string `json:"channel"`
	State     string `json:"state"`
	Height    *int64 `json:"height"`
	LastError string `json:"lastError"`
}

// Peer is a single p2p peer entry under module.network.p2p.
type Peer struct {
	ID   string   `json:"id"`
	Addr string   `json:"addr"`
	RTT  *float64 `json:"rtt,omitempty"`
}

// PeerTopology is the p2p section of /admin/chain/{nid}. Roots and
// Seeds map network addresses to node identities; the list-valued
// fields carry full peer entries.
type PeerTopology struct {
	Self       Peer              `json:"self"`
	Parent     *Peer             `json:"parent,omitempty"`
	Friends    []Peer            `json:"friends"`
	Children   []Peer            `json:"children"`
	Nephews    []Peer            `json:"nephews"`
	Orphanages []Peer            `json:"orphanages"`
	Others     []Peer            `json:"others"`
	Roots      map[string]string `json:"roots"`
	Seeds      map[string]string `json:"seed"`
}

// ChainDetail is the /admin/chain/{nid} reply.
type ChainDetail struct {
	ChainStatus
	Module struct {
		Network struct {
			P2P PeerTopology `json:"p2p"`
		} `json:"network"`
	} `json:"module"`
}

// Topology returns the detail's p2p section.
func (d *ChainDetail) Topology() *PeerTopology {
	return &d.Module.Network.P2P
}

// PRep is one registered P-Rep from the governance getPReps call.
type PRep struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	NodeAddress string `json:"nodeAddress"`
}

type prepsReply struct {
	PReps []PRep `json:"preps"`
}

type lastBlockReply struct {
	Height int64 `json:"height"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func rpcRequest(id, method string, params interface{}) map[string]interface{} {
	req := map[string]interface{}{
		"jsonrpc": JSONVersion,
		"method":  method,
		"id":      id,
	}
	if params != nil {
		req["params"] = params
	}
	return req
}

func callParams(to, method string) map[string]interface{} {
	return map[string]interface{}{
		"to":       to,
		"dataType": "call",
		"data": map[string]interface{}{
			"method": method,
		},
	}
}
