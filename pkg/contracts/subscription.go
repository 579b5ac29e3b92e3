package contracts

// Subscription is the per-user pull-model record. One per user.
type Subscription struct {
	UserID           string          `json:"user_id"`
	SubscribedLenses []string        `json:"subscribed_lenses"`
	NewsFilters      NewsFilters     `json:"news_filters"`
	LocalSubstrate   SubstrateConfig `json:"local_substrate"`
}

// NewsFilters bound what a subscriber is willing to be notified about.
type NewsFilters struct {
	MinCRETI      float64  `json:"min_creti"`      // 0..100
	MinConfidence float64  `json:"min_confidence"` // 0..1
	MaxPerHour    int      `json:"max_per_hour"`
	MutedTypes    []string `json:"muted_types,omitempty"`
}

// SubstrateConfig controls what enters the user's local substrate.
type SubstrateConfig struct {
	ScopeToSubscribed bool `json:"scope_to_subscribed"`
	AllowEventDTUs    bool `json:"allow_event_dtus"`
}
