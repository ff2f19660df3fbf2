package models

import "time"

// Account is a person's identity across workspaces.
type Account struct {
	ID        AccountID `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"size:320;not null;uniqueIndex" json:"email"`
	Name      string    `gorm:"size:256" json:"name"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
}

func (Account) TableName() string { return "accounts" }

// Device is one installation of the client for an account. Each device has
// its own cursors and its own delivery obligations.
type Device struct {
	ID         DeviceID   `gorm:"primaryKey" json:"id"`
	AccountID  AccountID  `gorm:"not null;index" json:"accountId"`
	Platform   string     `gorm:"size:64" json:"platform"`
	CreatedAt  time.Time  `gorm:"not null" json:"createdAt"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

func (Device) TableName() string { return "devices" }

type Workspace struct {
	ID        WorkspaceID `gorm:"primaryKey;size:32" json:"id"`
	Name      string      `gorm:"size:256;not null" json:"name"`
	CreatedBy AccountID   `gorm:"not null" json:"createdBy"`
	CreatedAt time.Time   `gorm:"not null" json:"createdAt"`
}

func (Workspace) TableName() string { return "workspaces" }

// User is an account's membership in a workspace.
type User struct {
	ID          UserID      `gorm:"primaryKey;size:32" json:"id"`
	WorkspaceID WorkspaceID `gorm:"size:32;not null;uniqueIndex:idx_users_workspace_account" json:"workspaceId"`
	AccountID   AccountID   `gorm:"not null;uniqueIndex:idx_users_workspace_account;index" json:"accountId"`
	Name        string      `gorm:"size:256" json:"name"`
	CreatedAt   time.Time   `gorm:"not null" json:"createdAt"`
}

func (User) TableName() string { return "users" }

// MutationReceipt records the outcome of a processed mutation so a redelivered
// mutation is answered without being applied twice.
type MutationReceipt struct {
	ID        MutationID   `gorm:"primaryKey;size:32" json:"id"`
	DeviceID  DeviceID     `gorm:"not null" json:"deviceId"`
	Type      MutationType `gorm:"size:32;not null" json:"type"`
	Status    Status       `gorm:"not null" json:"status"`
	CreatedAt time.Time    `gorm:"not null" json:"createdAt"`
}

func (MutationReceipt) TableName() string { return "mutation_receipts" }
