package query

import (
	"context"

	"github.com/dshills/lodestar/internal/extension"
)

// TriggerHandler owns an exclusive input prefix. It runs only for input
// starting with its active trigger and receives the rest of the input.
type TriggerHandler interface {
	extension.Extension

	// DefaultTrigger is used unless the user configured another one.
	DefaultTrigger() string

	// AllowTriggerRemap reports whether the user may change the trigger.
	AllowTriggerRemap() bool

	// SupportsFuzzyMatching reports whether SetFuzzyMatching has an effect.
	SupportsFuzzyMatching() bool

	// SetFuzzyMatching is called by the engine with the configured flag.
	SetFuzzyMatching(enabled bool)

	// SetTrigger informs the handler of its active trigger.
	SetTrigger(trigger string)

	// HandleTriggerQuery adds results to q with q.Add until it is done or
	// ctx is cancelled.
	HandleTriggerQuery(ctx context.Context, q *Query) error
}

// GlobalHandler takes part in every untriggered query.
type GlobalHandler interface {
	extension.Extension

	// HandleGlobalQuery returns the items matching q.String() with a
	// relevance in [0,1]. The returned order must depend only on the input.
	HandleGlobalQuery(ctx context.Context, q *Query) ([]RankItem, error)
}

// FallbackHandler offers items when nothing else matched.
type FallbackHandler interface {
	extension.Extension

	Fallbacks(query string) []Item
}
