package main

import (
	"fmt"
	"time"

	"github.com/withObsrvr/snapshot-audit-pipeline/consumer"
	"github.com/withObsrvr/snapshot-audit-pipeline/rpc"
)

// buildListener assembles a ContractListener and its collaborators from
// configuration. The store, snapshot store and alert dispatcher are shared
// across listeners; the RPC client is per-listener since endpoints may
// differ per contract.
func buildListener(cfg ListenerConfig, store *consumer.SaveContractEventsToPostgreSQL, snapshots *consumer.PostgresSnapshotStore, alerts *consumer.AlertDispatcher, cache *consumer.SaveVerificationToRedis) (*ContractListener, error) {
	client := rpc.NewClient(cfg.RPCURL, cfg.AuthHeader, cfg.BatchSize, 30*time.Second)

	var summaryCache SummaryCache
	if cache != nil {
		summaryCache = cache
	}

	listener, err := NewContractListener(cfg, client, store, snapshots, alerts, summaryCache)
	if err != nil {
		return nil, fmt.Errorf("error creating listener for %s: %w", cfg.ContractID, err)
	}
	return listener, nil
}
