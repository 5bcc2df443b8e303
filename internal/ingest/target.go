package ingest

import "github.com/shopspring/decimal"

// Target is one unit of work: a CLOB token for prices or a market condition for trades.
// Targets are immutable once enumerated.
type Target struct {
	ID string
	// Index is the position in enumeration (or ranking) order.
	Index int
	// StartTS is the lower time bound in unix seconds, when the workflow uses one.
	StartTS int64
	// Weight orders targets for top-share selection, e.g. traded volume.
	Weight decimal.Decimal
}
