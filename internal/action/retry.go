package action

import "github.com/ottohq/otto/internal/model"

// Retry captures the parameters needed to re-invoke a failed action
// identically. One variant per Kind keeps dispatch exhaustive at
// compile time instead of funnelling everything through an untyped
// parameter bag. A ledger entry is built at the moment of failure and
// consumed at most once by a manual retry.
type Retry interface {
	Kind() Kind
}

type RetryStartConnect struct {
	RedirectURI string
}

func (RetryStartConnect) Kind() Kind { return KindStartConnect }

type RetryCompleteConnect struct {
	Code                     string
	State                    string
	ProviderError            string
	ProviderErrorDescription string
}

func (RetryCompleteConnect) Kind() Kind { return KindCompleteConnect }

type RetryLoadPreferences struct{}

func (RetryLoadPreferences) Kind() Kind { return KindLoadPreferences }

type RetrySavePreferences struct {
	Preferences model.Preferences
}

func (RetrySavePreferences) Kind() Kind { return KindSavePreferences }

type RetryLoadConnectors struct{}

func (RetryLoadConnectors) Kind() Kind { return KindLoadConnectors }

type RetryRevokeConnector struct {
	ConnectorID string
}

func (RetryRevokeConnector) Kind() Kind { return KindRevokeConnector }

type RetryRequestDeleteAll struct{}

func (RetryRequestDeleteAll) Kind() Kind { return KindRequestDeleteAll }

type RetryLoadActivity struct {
	Cursor string
}

func (RetryLoadActivity) Kind() Kind { return KindLoadActivity }

type RetryQuery struct {
	Text     string
	ThreadID string
}

func (RetryQuery) Kind() Kind { return KindQuery }

type RetryLoadThreads struct{}

func (RetryLoadThreads) Kind() Kind { return KindLoadThreads }

type RetryDeleteThread struct {
	ThreadID string
	All      bool
}

func (RetryDeleteThread) Kind() Kind { return KindDeleteThread }

type RetryLoadRules struct{}

func (RetryLoadRules) Kind() Kind { return KindLoadRules }

type RetrySaveRule struct {
	RuleID   string // empty when creating
	Name     string
	Schedule string
	Enabled  bool
	Prompt   string
}

func (RetrySaveRule) Kind() Kind { return KindSaveRule }

type RetryDeleteRule struct {
	RuleID string
}

func (RetryDeleteRule) Kind() Kind { return KindDeleteRule }
