package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/pkg/errors"
)

const defaultPageLimit = 100

// Client is a minimal Soroban JSON-RPC client covering the two methods the
// audit pipeline needs: getLatestLedger and getEvents.
type Client struct {
	url        string
	authHeader string
	pageLimit  int
	httpClient *http.Client
}

// NewClient creates a client for the given RPC endpoint. authHeader may be
// empty; pageLimit bounds the burst size of a single getEvents page and
// falls back to a sane default when zero.
func NewClient(url, authHeader string, pageLimit int, timeout time.Duration) *Client {
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        url,
		authHeader: authHeader,
		pageLimit:  pageLimit,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// LatestLedger returns the sequence of the most recently closed ledger.
func (c *Client) LatestLedger(ctx context.Context) (uint32, error) {
	var result GetLatestLedgerResult
	if err := c.call(ctx, "getLatestLedger", nil, &result); err != nil {
		return 0, err
	}
	if result.Sequence == 0 {
		return 0, &PermanentError{Err: errors.New("getLatestLedger returned no sequence")}
	}
	return result.Sequence, nil
}

// FetchEvents returns all contract events for contractID in the ledger
// range [startLedger, endLedger], following pagination cursors until the
// range is exhausted. The RPC does not guarantee strict ordering across
// pages, so the combined result is sorted by ledger ascending before it is
// returned.
func (c *Client) FetchEvents(ctx context.Context, contractID string, startLedger, endLedger uint32) ([]RawEvent, error) {
	params := GetEventsRequestParams{
		StartLedger: startLedger,
		EndLedger:   endLedger,
		Filters: []EventFilter{
			{Type: "contract", ContractIds: []string{contractID}},
		},
		Pagination: &PaginationOptions{Limit: c.pageLimit},
	}

	var events []RawEvent
	for {
		var result GetEventsResult
		if err := c.call(ctx, "getEvents", params, &result); err != nil {
			return nil, err
		}
		events = append(events, result.Events...)

		if result.Cursor == "" || len(result.Events) < c.pageLimit {
			break
		}
		// Cursor pagination: subsequent pages must not repeat the range.
		params = GetEventsRequestParams{
			Filters:    params.Filters,
			Pagination: &PaginationOptions{Limit: c.pageLimit, Cursor: result.Cursor},
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Ledger < events[j].Ledger
	})
	return events, nil
}

// call executes one JSON-RPC request and decodes its result into out.
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	payload, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return &PermanentError{Err: errors.Wrap(err, "failed to marshal request")}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewBuffer(payload))
	if err != nil {
		return &PermanentError{Err: errors.Wrap(err, "failed to create HTTP request")}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authHeader != "" {
		httpReq.Header.Set("Authorization", c.authHeader)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classify(errors.Wrapf(err, "%s request failed", method))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return classifyStatus(httpResp.StatusCode, string(body))
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return &TransientError{Err: errors.Wrapf(err, "failed to decode %s response", method)}
	}
	if resp.Error != nil {
		return &PermanentError{Err: fmt.Errorf("%s failed: %s (code: %d)", method, resp.Error.Message, resp.Error.Code)}
	}
	if resp.Result == nil {
		return &TransientError{Err: fmt.Errorf("%s returned no result", method)}
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return &PermanentError{Err: errors.Wrapf(err, "failed to unmarshal %s result", method)}
	}
	return nil
}
