// Package action wraps the control plane's asynchronous operations
// with single-flight deduplication, error classification, and the
// one-banner-at-a-time error surface.
package action

// Kind identifies a class of user-triggerable asynchronous operation.
// It is the deduplication key for in-flight tracking and the
// correlation key for error banners. The set is closed on purpose:
// adding a kind means adding a Retry variant and a dispatch case.
type Kind string

const (
	KindStartConnect     Kind = "start-connect"
	KindCompleteConnect  Kind = "complete-connect"
	KindLoadPreferences  Kind = "load-preferences"
	KindSavePreferences  Kind = "save-preferences"
	KindLoadConnectors   Kind = "load-connectors"
	KindRevokeConnector  Kind = "revoke-connector"
	KindRequestDeleteAll Kind = "request-delete-all"
	KindLoadActivity     Kind = "load-activity"
	KindQuery            Kind = "query-assistant"
	KindLoadThreads      Kind = "load-threads"
	KindDeleteThread     Kind = "delete-thread"
	KindLoadRules        Kind = "load-rules"
	KindSaveRule         Kind = "save-rule"
	KindDeleteRule       Kind = "delete-rule"
)
