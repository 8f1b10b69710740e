package fetch

import (
	"context"
	"fmt"

	"github.com/commonsmap/pulse/internal/util"
	"github.com/commonsmap/pulse/pkg/ai"
	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/logger"
)

const extractMaxRetries = 2

type extractedSignal struct {
	Kind        string   `json:"kind" jsonschema_description:"Signal kind: tension, ask, give, event, or notice"`
	Title       string   `json:"title" jsonschema_description:"Short factual noun phrase"`
	Summary     string   `json:"summary" jsonschema_description:"One to three sentences grounded in the page text"`
	Location    string   `json:"location,omitempty"`
	TimeInfo    string   `json:"time_info,omitempty"`
	NextQueries []string `json:"next_queries,omitempty" jsonschema_description:"Concrete places, organizations, or feeds the page suggests"`
}

type extractedPage struct {
	Signals []extractedSignal `json:"signals"`
}

// OracleExtractor turns raw pages into typed candidate signals with one
// structured oracle call per page.
type OracleExtractor struct {
	oracle ai.Oracle
	// MaxPageTokens bounds how much page text goes into the prompt.
	MaxPageTokens int
}

// NewOracleExtractor creates the default extractor.
func NewOracleExtractor(oracle ai.Oracle, maxPageTokens int) *OracleExtractor {
	return &OracleExtractor{oracle: oracle, MaxPageTokens: maxPageTokens}
}

func (e *OracleExtractor) Extract(ctx context.Context, page *common.RawPage, category common.SourceCategory) ([]common.CandidateSignal, error) {
	content := ai.TrimToTokens(page.Content, e.MaxPageTokens)
	prompt := fmt.Sprintf(ai.ExtractSignalsPrompt, page.URL, category) +
		"\n\n# Page Text\n" + content

	var result extractedPage
	err := util.RetryErrWithContext(ctx, extractMaxRetries, func(ctx context.Context) error {
		result = extractedPage{}
		return e.oracle.GenerateCompletionWithFormat(ctx,
			"page_signals",
			"Typed community signals extracted from one web page",
			prompt,
			&result,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("extract signals from %s: %w", page.URL, err)
	}

	candidates := make([]common.CandidateSignal, 0, len(result.Signals))
	for _, s := range result.Signals {
		kind := common.SignalKind(s.Kind)
		switch kind {
		case common.KindTension, common.KindAsk, common.KindGive, common.KindEvent, common.KindNotice:
		default:
			logger.Debug("[Extract] Dropping signal with unknown kind",
				"kind", s.Kind, "title", s.Title)
			continue
		}
		if s.Title == "" {
			continue
		}
		candidates = append(candidates, common.CandidateSignal{
			Kind:        kind,
			Title:       s.Title,
			Summary:     s.Summary,
			SourceURL:   page.URL,
			Location:    s.Location,
			TimeInfo:    s.TimeInfo,
			ContentHash: page.ContentHash,
			NextQueries: s.NextQueries,
		})
	}
	return candidates, nil
}
