package entity

import "time"

// QuotaApplicationStatus is owned by the external reviewer.
type QuotaApplicationStatus string

const (
	QuotaApplicationPending  QuotaApplicationStatus = "pending"
	QuotaApplicationApproved QuotaApplicationStatus = "approved"
	QuotaApplicationRejected QuotaApplicationStatus = "rejected"
)

// Valid reports whether s is a known application status.
func (s QuotaApplicationStatus) Valid() bool {
	switch s {
	case QuotaApplicationPending, QuotaApplicationApproved, QuotaApplicationRejected:
		return true
	default:
		return false
	}
}

// Quota is the server view of a user's credits.
type Quota struct {
	Remaining int `json:"remaining"`
	Used      int `json:"used"`
}

// QuotaSnapshot is the client's cached, advisory view of Quota.
type QuotaSnapshot struct {
	Remaining   int       `json:"remaining"`
	Used        int       `json:"used"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// DbQuotaApplication stores a request for additional quota.
type DbQuotaApplication struct {
	ID        uint      `gorm:"primarykey"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time

	UserID   *uint  `gorm:"column:user_id;index"`
	Email    string `gorm:"column:email;type:varchar(255);not null"`
	Reason   string `gorm:"column:reason;type:text;not null"`
	Feedback string `gorm:"column:feedback;type:text"`

	QuotaRemaining int    `gorm:"column:quota_remaining;not null;default:0"`
	QuotaUsed      int    `gorm:"column:quota_used;not null;default:0"`
	Status         string `gorm:"column:status;type:varchar(32);not null;index"`
	Granted        int    `gorm:"column:granted;not null;default:0"`
}

// TableName 指定表名
func (DbQuotaApplication) TableName() string {
	return "quota_applications"
}

// ToQuotaApplication converts the row to its wire representation.
func (a *DbQuotaApplication) ToQuotaApplication() QuotaApplication {
	return QuotaApplication{
		ID:             a.ID,
		UserID:         a.UserID,
		Email:          a.Email,
		Reason:         a.Reason,
		Feedback:       a.Feedback,
		QuotaRemaining: a.QuotaRemaining,
		QuotaUsed:      a.QuotaUsed,
		Status:         QuotaApplicationStatus(a.Status),
		Granted:        a.Granted,
		CreatedAt:      a.CreatedAt.UTC(),
	}
}

// QuotaApplication is the wire representation of a quota application.
type QuotaApplication struct {
	ID             uint                   `json:"id"`
	UserID         *uint                  `json:"user_id,omitempty"`
	Email          string                 `json:"email"`
	Reason         string                 `json:"reason"`
	Feedback       string                 `json:"feedback,omitempty"`
	QuotaRemaining int                    `json:"quota_remaining"`
	QuotaUsed      int                    `json:"quota_used"`
	Status         QuotaApplicationStatus `json:"status"`
	Granted        int                    `json:"granted,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// QuotaApplicationRequest files a new application. The quota fields carry the
// client's snapshot at filing time.
type QuotaApplicationRequest struct {
	Email          string `json:"email" binding:"required,email"`
	Reason         string `json:"reason" binding:"required"`
	Feedback       string `json:"feedback"`
	QuotaRemaining int    `json:"quota_remaining"`
	QuotaUsed      int    `json:"quota_used"`
}

// QuotaApplicationReview is sent by a reviewer to settle an application.
type QuotaApplicationReview struct {
	Status QuotaApplicationStatus `json:"status" binding:"required"`
	Grant  int                    `json:"grant"`
}

// QuotaApplicationListResponse lists applications for reviewers.
type QuotaApplicationListResponse struct {
	Applications []QuotaApplication `json:"applications"`
}

// VersionResponse reports the build currently served.
type VersionResponse struct {
	Version string `json:"version"`
}
