package index

const (
	DefaultLimit         = 50
	DefaultSnippetLength = 100

	maxMatchesPerResult = 3
	overFetchFactor     = 10

	matchStart = "<<MATCH>>"
	matchEnd   = "<<END>>"
	ellipsis   = "..."
)

type SearchOptions struct {
	Query         string
	Directory     string
	Limit         int
	SnippetLength int
	Regex         bool
	// Exclude holds conversation ids that are filtered out before grouping,
	// normally the archived set from the extension store.
	Exclude map[string]struct{}
}

func (o SearchOptions) withDefaults() SearchOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.SnippetLength <= 0 {
		o.SnippetLength = DefaultSnippetLength
	}
	return o
}

type SearchMatch struct {
	PartID      string `json:"partId"`
	MessageID   string `json:"messageId"`
	Role        string `json:"role"`
	Snippet     string `json:"snippet"`
	TimeCreated int64  `json:"timeCreated"`
}

type ConversationSearchResult struct {
	ConversationID string        `json:"conversationId"`
	Title          string        `json:"title"`
	Directory      string        `json:"directory"`
	TimeUpdated    int64         `json:"timeUpdated"`
	Matches        []SearchMatch `json:"matches"`
	TotalMatches   int           `json:"totalMatches"`
}
