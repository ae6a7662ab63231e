package models

// Task statuses used throughout the codebase.
const (
	StatusOpen        = "open"
	StatusAssigned    = "assigned"
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
	StatusUnderReview = "under_review"
	StatusApproved    = "approved"
	StatusRejected    = "rejected"
	StatusPaid        = "paid"
)

// Review types. Automated is the machine pre-review created on submission;
// everything else is a human verdict.
const (
	ReviewTypeAutomated   = "automated"
	ReviewTypeIndependent = "independent"
	ReviewTypeFinal       = "final"
)

// Payout types, one per role formula.
const (
	PayoutTypeEmployee = "employee"
	PayoutTypeQC       = "qc"
	PayoutTypePM       = "pm"
	PayoutTypePMBonus  = "pm_bonus"
	PayoutTypeSales    = "sales"
)

// Payout statuses. Settlement (out of scope here) advances pending -> approved -> paid.
const (
	PayoutStatusPending  = "pending"
	PayoutStatusApproved = "approved"
	PayoutStatusPaid     = "paid"
)

// User roles.
const (
	RoleWorker = "worker"
	RoleQC     = "qc"
	RolePM     = "pm"
	RoleSales  = "sales"
	RoleAdmin  = "admin"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultTaskListLimit       = 1000
	DefaultPayoutListLimit     = 500
	DefaultSSEChannelBuffer    = 256
)
