package models

import (
	"time"
)

const DefaultBusinessName = "MAGDEE"

// Settings is a singleton record, always replaced as a whole.
type Settings struct {
	BusinessName    string    `json:"business_name" dynamodbav:"business_name"`
	AdminPhone      string    `json:"admin_phone" dynamodbav:"admin_phone"`
	AdminEmail      string    `json:"admin_email" dynamodbav:"admin_email"`
	BusinessAddress string    `json:"business_address" dynamodbav:"business_address"`
	UpdatedAt       time.Time `json:"updated_at" dynamodbav:"updated_at"`
	Version         int64     `json:"version" dynamodbav:"version"`
}

func DefaultSettings() Settings {
	return Settings{BusinessName: DefaultBusinessName}
}
