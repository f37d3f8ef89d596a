package upstream

import "time"

// RequestOptions tunes one upstream call. The zero value means no timeout
// override, no resumption and no progress reporting.
type RequestOptions struct {
	// Timeout bounds the call; zero falls back to the connector default.
	Timeout time.Duration

	// ResumptionToken resumes a long-running operation after disconnect.
	ResumptionToken string

	// OnResumptionToken is invoked when the upstream returns a new
	// resumption token with a result.
	OnResumptionToken func(token string)

	// OnProgress receives progress notifications correlated to this call.
	OnProgress func(progress, total float64)
}

// resumptionMetaKey is the _meta field carrying resumption tokens.
const resumptionMetaKey = "resumptionToken"
