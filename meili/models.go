package meili

// Settings is the subset of Meilisearch index settings this service manages.
// Applied idempotently on every pipeline start.
type Settings struct {
	SearchableAttributes []string       `json:"searchableAttributes,omitempty"`
	FilterableAttributes []string       `json:"filterableAttributes,omitempty"`
	SortableAttributes   []string       `json:"sortableAttributes,omitempty"`
	RankingRules         []string       `json:"rankingRules,omitempty"`
	TypoTolerance        *TypoTolerance `json:"typoTolerance,omitempty"`
	Pagination           *Pagination    `json:"pagination,omitempty"`
}

type TypoTolerance struct {
	Enabled bool `json:"enabled"`
}

type Pagination struct {
	MaxTotalHits int `json:"maxTotalHits"`
}

type IndexInfo struct {
	UID        string `json:"uid"`
	PrimaryKey string `json:"primaryKey"`
}

// task is the async task envelope Meilisearch returns for write operations.
// This client does not poll task status; writes are fire-and-acknowledge.
type task struct {
	TaskUID int64  `json:"taskUid"`
	Status  string `json:"status"`
	Type    string `json:"type"`
}

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
}
