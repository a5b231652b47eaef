package deal

import "time"

// Status is the lifecycle of a deal.
type Status string

const (
	StatusNegotiating Status = "negotiating"
	StatusActive      Status = "active"
	StatusDisputed    Status = "disputed"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
)

// Template names a milestone split scheme.
type Template string

const (
	TemplateEqualSplit  Template = "equal_split"
	TemplateFrontLoaded Template = "front_loaded"
	TemplateBackLoaded  Template = "back_loaded"
	TemplateCustom      Template = "custom"
)

// MilestoneState is the lifecycle of one payable unit of work.
type MilestoneState string

const (
	StatePending          MilestoneState = "pending"
	StateFunded           MilestoneState = "funded"
	StateSubmitted        MilestoneState = "submitted"
	StateApproved         MilestoneState = "approved"
	StateRevisionRequired MilestoneState = "revision_required"
	StateCompleted        MilestoneState = "completed"
	StateDisputed         MilestoneState = "disputed"
	StateCancelled        MilestoneState = "cancelled"
	StateRefunded         MilestoneState = "refunded"
)

// Deal mirrors the deals table. Amounts are integer minor units.
type Deal struct {
	ID            string
	PayerID       string
	PayeeID       string
	Title         string
	TotalAmount   int64
	Currency      string
	Status        Status
	SplitTemplate Template
	ArchivedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Milestone mirrors the milestones table.
type Milestone struct {
	ID            string
	DealID        string
	OrderIndex    int
	Percentage    float64
	Amount        int64
	BonusAmount   int64
	DueDate       *time.Time
	AutoReleaseAt *time.Time
	DisputeFlag   bool
	State         MilestoneState
	FundedAt      *time.Time
	CompletedAt   *time.Time
	FundingTxRef  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Deliverable is one submitted artifact on a milestone.
type Deliverable struct {
	ID          string
	MilestoneID string
	SubmitterID string
	Note        string
	URL         string
	Position    int
	CreatedAt   time.Time
}

// FeedbackEntry is one reviewer comment on a milestone. Entries are
// append-only so rejection history survives resubmission.
type FeedbackEntry struct {
	ID          string
	MilestoneID string
	AuthorID    string
	Body        string
	CreatedAt   time.Time
}
