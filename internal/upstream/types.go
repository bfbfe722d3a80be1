package upstream

// Session is one row of the upstream session table. Nullable text columns are
// read as empty strings; nullable counters as zero.
type Session struct {
	ID               string
	ProjectID        string
	ParentID         string
	Slug             string
	Directory        string
	Title            string
	Version          string
	SummaryAdditions int64
	SummaryDeletions int64
	SummaryFiles     int64
	TimeCreated      int64
	TimeUpdated      int64
}

// IsChild reports whether the session was spawned by another session.
func (s Session) IsChild() bool {
	return s.ParentID != ""
}

type Message struct {
	ID          string
	SessionID   string
	TimeCreated int64
	Data        Payload
}

type Part struct {
	ID          string
	MessageID   string
	TimeCreated int64
	Data        Payload
}

type TokenUsage struct {
	Input  int64            `json:"input"`
	Output int64            `json:"output"`
	Cache  map[string]int64 `json:"cache,omitempty"`
}

type MessageSummary struct {
	Title string `json:"title,omitempty"`
	Diffs []any  `json:"diffs,omitempty"`
}

// Role defaults to "unknown" when the payload carries none.
func (m Message) Role() string {
	if r := m.Data.String("role"); r != "" {
		return r
	}
	return "unknown"
}

func (m Message) Agent() string {
	return m.Data.String("agent")
}

// ModelID resolves the model identifier from the nested model object, the
// legacy flat modelID key, or a bare model string, in that order.
func (m Message) ModelID() string {
	if id := m.Data.String("model", "modelID"); id != "" {
		return id
	}
	if id := m.Data.String("modelID"); id != "" {
		return id
	}
	if s, ok := m.Data.Lookup("model").(string); ok {
		return s
	}
	return ""
}

func (m Message) ProviderID() string {
	return m.Data.String("model", "providerID")
}

// Summary returns nil for absent summaries and for legacy boolean values.
func (m Message) Summary() *MessageSummary {
	raw, ok := m.Data.Lookup("summary").(map[string]any)
	if !ok {
		return nil
	}
	out := &MessageSummary{Title: Payload(raw).String("title")}
	if diffs, ok := raw["diffs"].([]any); ok {
		out.Diffs = diffs
	}
	return out
}

// Type defaults to "unknown" when the payload carries no discriminator.
func (p Part) Type() string {
	if t := p.Data.String("type"); t != "" {
		return t
	}
	return "unknown"
}

// Text returns the raw text field and whether it was present as a string.
func (p Part) Text() (string, bool) {
	s, ok := p.Data.Lookup("text").(string)
	return s, ok
}

func (p Part) Tool() string {
	return p.Data.String("tool")
}

func (p Part) CallID() string {
	return p.Data.String("callID")
}

func (p Part) State() map[string]any {
	m, _ := p.Data.Lookup("state").(map[string]any)
	return m
}

func (p Part) Synthetic() bool {
	b, _ := p.Data.Lookup("synthetic").(bool)
	return b
}

func (p Part) Tokens() *TokenUsage {
	raw, ok := p.Data.Lookup("tokens").(map[string]any)
	if !ok {
		return nil
	}
	t := &TokenUsage{
		Input:  Payload(raw).Int("input"),
		Output: Payload(raw).Int("output"),
	}
	if cache, ok := raw["cache"].(map[string]any); ok {
		t.Cache = make(map[string]int64, len(cache))
		for k := range cache {
			t.Cache[k] = Payload(cache).Int(k)
		}
	}
	return t
}
