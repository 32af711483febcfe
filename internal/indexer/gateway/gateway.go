// Package gateway wraps the on-chain RPC call pullEvents(stream,cursor),
// translating it through the endpoint pool with error classification. Each
// PullEvents makes one call on the selected endpoint and reports the outcome
// to the pool; a failed call is returned classified as retryable or not, and
// is not retried here.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/chaincontest/indexer-core/internal/apperr"
	"github.com/chaincontest/indexer-core/internal/indexer/event"
	"github.com/chaincontest/indexer-core/internal/indexer/registry"
	"github.com/chaincontest/indexer-core/internal/indexer/rpcpool"
	"github.com/sirupsen/logrus"
)

// PullRequest describes one pullEvents call.
type PullRequest struct {
	Stream    registry.Stream
	Cursor    *event.Cursor
	FromBlock *uint64
	ToBlock   *uint64
	Limit     int
}

// PullResult is what pullEvents returns: a sorted, cursor-advancing batch.
type PullResult struct {
	Events      []event.Envelope
	NextCursor  event.Cursor
	LatestBlock uint64
	RPC         string
}

// RPCClient issues the underlying pullEvents RPC call against one endpoint
// URL. The production implementation speaks JSON-RPC over HTTP; tests supply
// an in-memory fake.
type RPCClient interface {
	PullEvents(ctx context.Context, url string, req PullRequest) (PullResult, error)
}

// Error is a typed gateway failure carrying the endpoint that was active when
// the call failed, so callers can attribute failures to an endpoint.
type Error struct {
	ChainID    int
	EndpointID string
	URL        string
	Retryable  bool
	Err        *apperr.Error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Gateway is the chain gateway adapter.
type Gateway struct {
	pool       *rpcpool.Pool
	client     RPCClient
	defaultLim int
	log        *logrus.Entry
}

// New constructs a Gateway.
func New(pool *rpcpool.Pool, client RPCClient, defaultMaxBatchSize int, log *logrus.Entry) *Gateway {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Gateway{pool: pool, client: client, defaultLim: defaultMaxBatchSize, log: log}
}

// PullEvents selects an endpoint for the stream's chain, calls the
// underlying RPC client, reports success/failure to the pool, and enforces
// ordering and monotone-cursor guarantees regardless of what the
// underlying client returned.
func (g *Gateway) PullEvents(ctx context.Context, req PullRequest) (PullResult, error) {
	if req.Limit <= 0 {
		req.Limit = g.defaultLim
	}

	sel, err := g.pool.SelectEndpoint(req.Stream.ChainID)
	if err != nil {
		return PullResult{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := g.pool.Wait(callCtx, req.Stream.ChainID, sel.EndpointID); err != nil {
		return PullResult{}, apperr.ChainUnavailable("rate limit wait cancelled: "+err.Error(), 1)
	}

	result, err := g.client.PullEvents(callCtx, sel.URL, req)
	if err != nil {
		classified := classify(err)
		g.pool.ReportFailure(req.Stream.ChainID, sel.EndpointID, string(classified.Err.Kind))
		classified.ChainID = req.Stream.ChainID
		classified.EndpointID = sel.EndpointID
		classified.URL = sel.URL
		return PullResult{}, classified
	}

	g.pool.ReportSuccess(req.Stream.ChainID, sel.EndpointID)
	result.RPC = sel.EndpointID

	sort.SliceStable(result.Events, func(i, j int) bool {
		return result.Events[i].Cursor.Less(result.Events[j].Cursor)
	})

	if req.Cursor != nil {
		filtered := result.Events[:0]
		for _, e := range result.Events {
			if req.Cursor.Less(e.Cursor) {
				filtered = append(filtered, e)
			}
		}
		result.Events = filtered
	}

	return result, nil
}

// classify maps an underlying transport/RPC error to a gateway Error with a
// retryability verdict: transient network failures are retryable; malformed
// responses and auth/not-found failures are not.
func classify(err error) *Error {
	switch e := err.(type) {
	case *ClassifiedError:
		return &Error{Retryable: e.Retryable, Err: e.AppErr}
	default:
		return &Error{Retryable: true, Err: apperr.ChainUnavailable("transient RPC failure: "+err.Error(), 5)}
	}
}

// ClassifiedError lets an RPCClient implementation hand the gateway an
// already-classified verdict instead of relying on the default transient
// classification.
type ClassifiedError struct {
	Retryable bool
	AppErr    *apperr.Error
}

func (e *ClassifiedError) Error() string { return e.AppErr.Error() }

// HTTPJSONRPCClient is the production RPCClient: a hand-rolled JSON-RPC call
// over net/http, matching the chain-client style used elsewhere in this
// codebase's lineage.
type HTTPJSONRPCClient struct {
	HTTP *http.Client
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type pullEventsWireResult struct {
	Events      []event.Envelope `json:"events"`
	NextCursor  event.Cursor     `json:"nextCursor"`
	LatestBlock event.BlockNumber `json:"latestBlock"`
}

// PullEvents issues pullEvents as a JSON-RPC 2.0 call.
func (c *HTTPJSONRPCClient) PullEvents(ctx context.Context, url string, req PullRequest) (PullResult, error) {
	params := map[string]interface{}{
		"contestId": req.Stream.ContestID,
		"chainId":   req.Stream.ChainID,
		"limit":     req.Limit,
	}
	if req.Cursor != nil {
		params["cursor"] = req.Cursor
	}
	if req.FromBlock != nil {
		params["fromBlock"] = fmt.Sprintf("%d", *req.FromBlock)
	}
	if req.ToBlock != nil {
		params["toBlock"] = fmt.Sprintf("%d", *req.ToBlock)
	}

	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: "pullEvents", Params: []interface{}{params}, ID: 1})
	if err != nil {
		return PullResult{}, &ClassifiedError{Retryable: false, AppErr: apperr.Internal("marshal pullEvents request", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return PullResult{}, &ClassifiedError{Retryable: false, AppErr: apperr.Internal("build pullEvents request", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return PullResult{}, &ClassifiedError{Retryable: true, AppErr: apperr.ChainUnavailable("pullEvents transport error: "+err.Error(), 5)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound {
		return PullResult{}, &ClassifiedError{Retryable: false, AppErr: apperr.New(apperr.KindResourceUnsupported, fmt.Sprintf("pullEvents rejected: HTTP %d", resp.StatusCode))}
	}
	if resp.StatusCode >= 500 {
		return PullResult{}, &ClassifiedError{Retryable: true, AppErr: apperr.ChainUnavailable(fmt.Sprintf("pullEvents upstream error: HTTP %d", resp.StatusCode), 5)}
	}

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return PullResult{}, &ClassifiedError{Retryable: false, AppErr: apperr.Internal("decode pullEvents response", err)}
	}
	if rpcResp.Error != nil {
		return PullResult{}, &ClassifiedError{Retryable: false, AppErr: apperr.New(apperr.KindInputInvalid, rpcResp.Error.Message)}
	}

	var wire pullEventsWireResult
	if err := json.Unmarshal(rpcResp.Result, &wire); err != nil {
		return PullResult{}, &ClassifiedError{Retryable: false, AppErr: apperr.Internal("malformed pullEvents result", err)}
	}

	return PullResult{
		Events:      wire.Events,
		NextCursor:  wire.NextCursor,
		LatestBlock: uint64(wire.LatestBlock),
	}, nil
}
