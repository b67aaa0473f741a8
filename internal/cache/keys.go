package cache

import "fmt"

// Key construction is centralized here so the TTL/namespace invariants
// spread across spec §3/§4.1/§4.4/§4.5 stay auditable in one place
// (spec §9 "Implicit coupling via cache keys").

// AppKey is the cache key for a cached Application record.
func AppKey(appID string) string {
	return fmt.Sprintf("app-%s", appID)
}

// LBKey is the cache key for a cached LoadBalancer record.
func LBKey(lbID string) string {
	return fmt.Sprintf("lb-%s", lbID)
}

// ServiceLogKey is the hash key the cherry-picker reads and the metrics
// recorder writes (spec §3 "Service log entry").
func ServiceLogKey(chainID, nodePubKey string) string {
	return fmt.Sprintf("service-%s-%s", chainID, nodePubKey)
}

// SyncedNodesKey is the cache key for a session's verified in-sync node
// set (spec §4.4). sessionFingerprint namespaces the entry so that a
// session change invalidates it implicitly.
func SyncedNodesKey(chainID, sessionFingerprint string) string {
	return fmt.Sprintf("%s-%s", chainID, sessionFingerprint)
}

// SyncLockKey is the probe-lock key for the sync-checker (spec §4.4 step 1).
func SyncLockKey(chainID, sessionFingerprint string) string {
	return "lock-" + SyncedNodesKey(chainID, sessionFingerprint)
}

// ChainCheckedNodesKey is the cache key for a session's chain-ID-verified
// node set (spec §4.5).
func ChainCheckedNodesKey(chainID, sessionFingerprint string) string {
	return fmt.Sprintf("%s-chain-%s", chainID, sessionFingerprint)
}

// ChainCheckLockKey is the probe-lock key for the chain-checker.
func ChainCheckLockKey(chainID, sessionFingerprint string) string {
	return "lock-" + ChainCheckedNodesKey(chainID, sessionFingerprint)
}
