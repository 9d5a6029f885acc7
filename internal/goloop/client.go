package goloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultTimeout       = 2 * time.Second
	defaultMaxConcurrent = 10
	prepsCacheTTL        = 5 * time.Minute
)

var post = []byte("POST")

// Config carries the transport knobs. Zero values fall back to the
// defaults above.
type Config struct {
	Timeout       time.Duration
	Retries       uint64
	MaxConcurrent int64
}

// Client talks to goloop nodes over HTTP. All calls go through one
// counting semaphore so total in-flight requests stay bounded no
// matter how many monitors share the client. Transient failures are
// retried with exponential backoff up to the configured retry count.
type Client struct {
	http  *fasthttp.Client
	sem   *semaphore.Weighted
	cfg   Config
	preps *gocache.Cache
	log   *zap.SugaredLogger
}

func NewClient(cfg Config, log *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	return &Client{
		http: &fasthttp.Client{
			ReadTimeout:     cfg.Timeout,
			WriteTimeout:    cfg.Timeout,
			MaxConnsPerHost: 2048,
		},
		sem:   semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:   cfg,
		preps: gocache.New(prepsCacheTTL, 2*prepsCacheTTL),
		log:   log,
	}
}

// request performs one HTTP exchange under the concurrency cap,
// retrying transient failures. The returned slice is a copy owned by
// the caller.
func (c *Client) request(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	var result []byte
	op := func() error {
		req := fasthttp.AcquireRequest()
		res := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(res)

		req.SetRequestURI(url)
		if method == "POST" {
			req.Header.SetMethodBytes(post)
			req.Header.SetContentType("application/json")
			req.SetBody(body)
		}
		if err := c.http.DoTimeout(req, res, c.cfg.Timeout); err != nil {
			return err
		}
		if code := res.StatusCode(); code != fasthttp.StatusOK {
			return fmt.Errorf("http status code not 200, received: %d", code)
		}
		payload := res.Body()
		if len(payload) == 0 {
			return fmt.Errorf("empty reply received")
		}
		result = append([]byte(nil), payload...)
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.Retries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, url)
	}
	return result, nil
}

// Fetch GETs an arbitrary URL and decodes the JSON reply. An array
// reply collapses to its first object; a non-object reply is a
// failure.
func (c *Client) Fetch(ctx context.Context, url string) (map[string]interface{}, error) {
	body, err := c.request(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.Wrapf(err, "decoding reply from %s", url)
	}
	switch v := decoded.(type) {
	case map[string]interface{}:
		return v, nil
	case []interface{}:
		if len(v) > 0 {
			if first, ok := v[0].(map[string]interface{}); ok {
				return first, nil
			}
		}
	}
	return nil, fmt.Errorf("non-object reply from %s", url)
}

// ChainStatus fetches {base}/admin/chain and returns the first chain
// entry together with the request round-trip time.
func (c *Client) ChainStatus(ctx context.Context, baseURL string) (*ChainStatus, time.Duration, error) {
	start := time.Now()
	body, err := c.request(ctx, "GET", strings.TrimRight(baseURL, "/")+"/admin/chain", nil)
	elapsed := time.Since(start)
	if err != nil {
		return nil, elapsed, err
	}

	var list []ChainStatus
	if err := json.Unmarshal(body, &list); err == nil {
		if len(list) == 0 {
			return nil, elapsed, fmt.Errorf("no chains joined on %s", baseURL)
		}
		return &list[0], elapsed, nil
	}
	var one ChainStatus
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, elapsed, errors.Wrapf(err, "decoding chain status from %s", baseURL)
	}
	return &one, elapsed, nil
}

// ChainDetail fetches {base}/admin/chain/{nid} including the p2p
// topology.
func (c *Client) ChainDetail(ctx context.Context, baseURL, nid string) (*ChainDetail, error) {
	url := fmt.Sprintf("%s/admin/chain/%s", strings.TrimRight(baseURL, "/"), nid)
	body, err := c.request(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	detail := &ChainDetail{}
	if err := json.Unmarshal(body, detail); err != nil {
		return nil, errors.Wrapf(err, "decoding chain detail from %s", url)
	}
	return detail, nil
}

// LastBlockHeight asks the node's JSON-RPC endpoint for the latest
// block and returns its height with the round-trip time.
func (c *Client) LastBlockHeight(ctx context.Context, baseURL string) (int64, time.Duration, error) {
	reqBody, _ := json.Marshal(rpcRequest(uuid.NewString(), LastBlockRPC, nil))
	start := time.Now()
	body, err := c.request(ctx, "POST", strings.TrimRight(baseURL, "/")+APIPath, reqBody)
	elapsed := time.Since(start)
	if err != nil {
		return 0, elapsed, err
	}

	var reply struct {
		Result lastBlockReply `json:"result"`
		Error  *rpcError      `json:"error"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return 0, elapsed, errors.Wrapf(err, "decoding last block from %s", baseURL)
	}
	if reply.Error != nil {
		return 0, elapsed, fmt.Errorf("rpc error %d: %s", reply.Error.Code, reply.Error.Message)
	}
	return reply.Result.Height, elapsed, nil
}

// PReps returns the registered P-Reps keyed by node address. Replies
// are cached per endpoint; the map is shared, callers must not mutate
// it.
func (c *Client) PReps(ctx context.Context, baseURL string) (map[string]PRep, error) {
	if cached, ok := c.preps.Get(baseURL); ok {
		return cached.(map[string]PRep), nil
	}

	params := callParams(ChainSCOREAddress, GetPRepsMethod)
	reqBody, _ := json.Marshal(rpcRequest(uuid.NewString(), CallRPC, params))
	body, err := c.request(ctx, "POST", strings.TrimRight(baseURL, "/")+APIPath, reqBody)
	if err != nil {
		return nil, err
	}

	var reply struct {
		Result prepsReply `json:"result"`
		Error  *rpcError  `json:"error"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, errors.Wrapf(err, "decoding preps from %s", baseURL)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", reply.Error.Code, reply.Error.Message)
	}

	byNode := make(map[string]PRep, len(reply.Result.PReps))
	for _, p := range reply.Result.PReps {
		if p.NodeAddress != "" {
			byNode[p.NodeAddress] = p
		}
	}
	c.preps.SetDefault(baseURL, byNode)
	return byNode, nil
}

// NodeNameByAddress maps node addresses to registered P-Rep names.
func (c *Client) NodeNameByAddress(ctx context.Context, baseURL string) (map[string]string, error) {
	preps, err := c.PReps(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(preps))
	for addr, p := range preps {
		names[addr] = p.Name
	}
	return names, nil
}
