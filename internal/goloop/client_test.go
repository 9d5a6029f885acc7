package goloop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNode(t *testing.T) *httptest.Server {
	t.Helper()
	height := int64(1234)
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/chain", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]ChainStatus{{
			CID: "0x1", NID: "0x1", Channel: "icon_dex",
			State: "started", Height: &height,
		}})
	})
	mux.HandleFunc("/admin/chain/0x1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"cid":"0x1","nid":"0x1","channel":"icon_dex","state":"started","height":1234,
			"module":{"network":{"p2p":{
				"self":{"id":"hxself","addr":"10.0.0.1:7100"},
				"friends":[{"id":"hxf1","addr":"10.0.0.2:7100","rtt":0.004}],
				"children":[],
				"roots":{"10.0.0.1:7100":"hxself"},
				"seed":{"10.0.0.9:7100":"hxseed"}
			}}}
		}`))
	})
	mux.HandleFunc(APIPath, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req["method"] {
		case LastBlockRPC:
			w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"height":4567,"block_hash":"c7..."}}`))
		case CallRPC:
			w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"preps":[
				{"name":"validator-one","address":"hxowner1","nodeAddress":"hxnode1"},
				{"name":"validator-two","address":"hxowner2","nodeAddress":"hxnode2"}
			]}}`))
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestChainStatusTakesFirstEntry(t *testing.T) {
	srv := testNode(t)
	c := NewClient(Config{Timeout: time.Second}, nil)

	status, elapsed, err := c.ChainStatus(context.Background(), srv.URL)
	require.NoError(t, err)
	require.NotNil(t, status.Height)
	assert.Equal(t, int64(1234), *status.Height)
	assert.Equal(t, "0x1", status.NID)
	assert.Equal(t, "started", status.State)
	assert.Greater(t, elapsed, time.Duration(0))
}

func TestChainDetailDecodesTopology(t *testing.T) {
	srv := testNode(t)
	c := NewClient(Config{Timeout: time.Second}, nil)

	detail, err := c.ChainDetail(context.Background(), srv.URL, "0x1")
	require.NoError(t, err)
	p2p := detail.Topology()
	assert.Equal(t, "hxself", p2p.Self.ID)
	require.Len(t, p2p.Friends, 1)
	assert.Equal(t, "10.0.0.2:7100", p2p.Friends[0].Addr)
	require.NotNil(t, p2p.Friends[0].RTT)
	assert.InDelta(t, 0.004, *p2p.Friends[0].RTT, 1e-9)
	assert.Equal(t, "hxseed", p2p.Seeds["10.0.0.9:7100"])
}

func TestLastBlockHeight(t *testing.T) {
	srv := testNode(t)
	c := NewClient(Config{Timeout: time.Second}, nil)

	height, _, err := c.LastBlockHeight(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(4567), height)
}

func TestPRepsKeyedByNodeAddressAndCached(t *testing.T) {
	srv := testNode(t)
	c := NewClient(Config{Timeout: time.Second}, nil)

	preps, err := c.PReps(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "validator-one", preps["hxnode1"].Name)
	assert.Equal(t, "validator-two", preps["hxnode2"].Name)

	srv.Close() // cached reply must survive the backend going away
	again, err := c.PReps(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, preps, again)
}

func TestFetchCollapsesArrayReply(t *testing.T) {
	srv := testNode(t)
	c := NewClient(Config{Timeout: time.Second}, nil)

	m, err := c.Fetch(context.Background(), srv.URL+"/admin/chain")
	require.NoError(t, err)
	assert.Equal(t, "icon_dex", m["channel"])
}

func TestRequestFailureSurfacesAsError(t *testing.T) {
	c := NewClient(Config{Timeout: 200 * time.Millisecond}, nil)
	_, _, err := c.ChainStatus(context.Background(), "http://127.0.0.1:1")
	require.Error(t, err)
}

func TestNodeNameByAddress(t *testing.T) {
	srv := testNode(t)
	c := NewClient(Config{Timeout: time.Second}, nil)

	names, err := c.NodeNameByAddress(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"hxnode1": "validator-one",
		"hxnode2": "validator-two",
	}, names)
}
