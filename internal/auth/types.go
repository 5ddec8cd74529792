package auth

import "time"

// Identity is the metadata row for a directory principal.
type Identity struct {
	ID                 int64      `json:"id"`
	Username           string     `json:"username"`
	DirectoryRef       string     `json:"directory_reference"`
	FullName           string     `json:"full_name"`
	Email              string     `json:"email"`
	Role               Role       `json:"role"`
	AuthorizationLevel int        `json:"authorization_level"`
	EmployeeID         string     `json:"employee_id"`
	LoginCount         int        `json:"login_count"`
	FailedAttempts     int        `json:"failed_attempts"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
	IsLocked           bool       `json:"is_locked"`
	LockoutUntil       *time.Time `json:"lockout_until,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// RoleRecord is the operator or personnel projection of an Identity.
type RoleRecord struct {
	ID                 int64     `json:"id"`
	Username           string    `json:"username"`
	Role               Role      `json:"role"`
	EmployeeID         string    `json:"employee_id"`
	FullName           string    `json:"full_name"`
	AuthorizationLevel int       `json:"authorization_level"`
	Department         string    `json:"department"`
	Position           string    `json:"position"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Attempt types recorded on LoginAttempt.
const (
	AttemptSuccess = "success"
	AttemptFailure = "failure"
)

// LoginAttempt is an append-only authentication fact.
type LoginAttempt struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	AttemptType  string    `json:"attempt_type"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"user_agent"`
	SessionID    string    `json:"session_id"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

// LoginStats aggregates LoginAttempt rows for one username.
type LoginStats struct {
	Total       int        `json:"total"`
	Successful  int        `json:"successful"`
	Failed      int        `json:"failed"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
}

// RefreshTokenRecord tracks an issued refresh token. TokenID equals the jti claim.
type RefreshTokenRecord struct {
	TokenID   string     `json:"token_id"`
	Username  string     `json:"username"`
	TokenType string     `json:"token_type"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	IsActive  bool       `json:"is_active"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	IP        string     `json:"ip"`
	UserAgent string     `json:"user_agent"`
}

// AdminAction is an append-only audit fact.
type AdminAction struct {
	ID             int64          `json:"id"`
	AdminUsername  string         `json:"admin_username"`
	TargetUsername string         `json:"target_username"`
	ActionType     string         `json:"action_type"`
	Details        map[string]any `json:"details,omitempty"`
	IP             string         `json:"ip"`
	CreatedAt      time.Time      `json:"created_at"`
}

// LockoutState is the lockout slice of an Identity.
type LockoutState struct {
	FailedAttempts int        `json:"failed_attempts"`
	IsLocked       bool       `json:"is_locked"`
	LockoutUntil   *time.Time `json:"lockout_until,omitempty"`
}

// LockoutRecord is a lockout history row.
type LockoutRecord struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	Reason         string    `json:"reason"`
	FailedAttempts int       `json:"failed_attempts"`
	LockoutStart   time.Time `json:"lockout_start"`
	LockoutEnd     time.Time `json:"lockout_end"`
	IsActive       bool      `json:"is_active"`
}
