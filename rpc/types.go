package rpc

import (
	"encoding/json"
	"time"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject carries the JSON-RPC error details returned by the endpoint.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// EventFilter restricts a getEvents call to specific contracts and topics.
type EventFilter struct {
	Type        string     `json:"type,omitempty"`
	ContractIds []string   `json:"contractIds,omitempty"`
	Topics      [][]string `json:"topics,omitempty"`
}

// PaginationOptions bounds the page size of a getEvents call.
type PaginationOptions struct {
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// GetEventsRequestParams are the parameters for the getEvents method.
type GetEventsRequestParams struct {
	StartLedger uint32             `json:"startLedger,omitempty"`
	EndLedger   uint32             `json:"endLedger,omitempty"`
	Filters     []EventFilter      `json:"filters,omitempty"`
	Pagination  *PaginationOptions `json:"pagination,omitempty"`
}

// RawEvent is a single contract event as returned by getEvents.
type RawEvent struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Ledger          uint32          `json:"ledger"`
	LedgerClosedAt  time.Time       `json:"ledgerClosedAt"`
	ContractID      string          `json:"contractId"`
	TransactionHash string          `json:"txHash"`
	PagingToken     string          `json:"pagingToken"`
	Topic           []string        `json:"topic"`
	Value           json.RawMessage `json:"value"`
}

// GetEventsResult is the result payload of a getEvents response.
type GetEventsResult struct {
	Events       []RawEvent `json:"events"`
	LatestLedger uint32     `json:"latestLedger"`
	Cursor       string     `json:"cursor,omitempty"`
}

// GetLatestLedgerResult is the result payload of a getLatestLedger response.
type GetLatestLedgerResult struct {
	Sequence uint32 `json:"sequence"`
	Hash     string `json:"id"`
}
