package dispute

import "time"

// Status is the lifecycle of a dispute. Everything before resolved or
// cancelled counts as active: the thread is open and a ruling may land.
type Status string

const (
	// StatusPending is a freshly filed dispute awaiting attention.
	StatusPending Status = "pending"
	// StatusUnderReview marks a dispute a mediator has engaged with.
	StatusUnderReview Status = "under_review"
	// StatusMediation marks an escalated dispute a mediator has picked up.
	StatusMediation Status = "mediation"
	// StatusResolved is terminal: exactly one outcome was ruled.
	StatusResolved Status = "resolved"
	// StatusEscalated marks a dispute that outlived its escalation deadline
	// without a ruling.
	StatusEscalated Status = "escalated"
	// StatusCancelled is terminal: the dispute was mooted, for instance by
	// the deal being cancelled through another dispute's ruling.
	StatusCancelled Status = "cancelled"
)

// ActiveStatuses are the states in which a dispute still awaits a ruling.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusUnderReview, StatusMediation, StatusEscalated}
}

// IsActive reports whether the dispute still accepts a ruling.
func IsActive(s Status) bool {
	switch s {
	case StatusPending, StatusUnderReview, StatusMediation, StatusEscalated:
		return true
	default:
		return false
	}
}

// Category names what the dispute is about.
type Category string

const (
	CategoryQuality       Category = "quality"
	CategoryScope         Category = "scope"
	CategoryPayment       Category = "payment"
	CategoryCommunication Category = "communication"
	CategoryOther         Category = "other"
)

// ValidCategory reports whether the category is one of the known set.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryQuality, CategoryScope, CategoryPayment, CategoryCommunication, CategoryOther:
		return true
	default:
		return false
	}
}

// Urgency sets how fast an unresolved dispute escalates.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// EscalationWindow is how long a dispute of the given urgency may sit
// unresolved before it escalates to the mediation queue's front.
func EscalationWindow(u Urgency) (time.Duration, bool) {
	switch u {
	case UrgencyHigh:
		return 3 * 24 * time.Hour, true
	case UrgencyMedium:
		return 7 * 24 * time.Hour, true
	case UrgencyLow:
		return 14 * 24 * time.Hour, true
	}
	return 0, false
}

// Dispute is a contested claim against a deal, optionally scoped to one
// milestone. A milestone-scoped dispute freezes that milestone's escrow;
// a deal-level one freezes the deal's status until a mediator rules.
type Dispute struct {
	ID                 string
	DealID             string
	MilestoneID        *string
	OpenedBy           string
	Category           Category
	Urgency            Urgency
	Reason             string
	Status             Status
	Outcome            *string
	Amount             *int64
	ResolutionNote     *string
	ResolvedBy         *string
	EscalationDeadline time.Time
	ResolvedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Message is one entry in a dispute's discussion thread.
type Message struct {
	ID        string
	DisputeID string
	AuthorID  string
	Body      string
	CreatedAt time.Time
}
