package entity

import "time"

const (
	UserRoleAdmin = "admin"
	UserRoleUser  = "user"
)

// DbUser represents a persisted user account together with its quota balance.
type DbUser struct {
	ID             uint      `gorm:"primarykey" json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Email          string    `gorm:"column:email;type:varchar(255);uniqueIndex;not null" json:"email"`
	PasswordHash   string    `gorm:"column:password_hash;type:varchar(255);not null" json:"-"`
	DisplayName    string    `gorm:"column:display_name;type:varchar(255)" json:"display_name"`
	Role           string    `gorm:"column:role;type:varchar(50);index;not null" json:"role"`
	IsActive       bool      `gorm:"column:is_active;not null;default:true" json:"is_active"`
	QuotaRemaining int       `gorm:"column:quota_remaining;not null;default:0" json:"quota_remaining"`
	QuotaUsed      int       `gorm:"column:quota_used;not null;default:0" json:"quota_used"`
}

// TableName overrides default pluralised name.
func (DbUser) TableName() string {
	return "users"
}

// IsAdmin reports whether the user may review quota applications.
func (u *DbUser) IsAdmin() bool {
	return u != nil && u.Role == UserRoleAdmin
}

// UserSummary is a lightweight user description returned to clients.
type UserSummary struct {
	ID          uint      `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuthLoginRequest is the login request payload.
type AuthLoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// AuthRegisterRequest is the registration request payload.
type AuthRegisterRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=8"`
	DisplayName string `json:"display_name"`
}

// AuthResponse is returned after successful login/registration.
type AuthResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      UserSummary `json:"user"`
}
