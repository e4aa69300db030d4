package domain

// Account is a read-mostly reference entity. The orchestrator fetches it
// lazily, caches it for the lifetime of one session and never mutates it.
type Account struct {
	ID               int64
	Email            string
	SubscriptionPlan SubscriptionPlan
}

// Domain is the site under audit, read-mostly like Account.
type Domain struct {
	ID  int64
	URL string
}

// PageState is the extracted state of one page as reported by the page-state
// collaborator.
type PageState struct {
	ID       int64
	URL      string
	Landable bool
}
