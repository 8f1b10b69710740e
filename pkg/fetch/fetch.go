// Package fetch defines the external retrieval surfaces the core calls:
// a Fetcher that turns a URL into a hashed raw page and an Extractor that
// turns a raw page into typed candidate signals.
package fetch

import (
	"context"
	"errors"

	"github.com/commonsmap/pulse/pkg/common"
)

// ErrUnreachable indicates the source could not be retrieved at all.
var ErrUnreachable = errors.New("fetch: source unreachable")

// ErrEmpty indicates the source was retrieved but contained no usable
// content.
var ErrEmpty = errors.New("fetch: no usable content")

// Fetcher retrieves one page. Implementations fill ContentHash so the
// dedup engine can short-circuit unchanged pages before extraction.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*common.RawPage, error)
}

// Extractor turns a raw page into candidate signals. The core never
// inspects how this is produced.
type Extractor interface {
	Extract(ctx context.Context, page *common.RawPage, category common.SourceCategory) ([]common.CandidateSignal, error)
}
