package model

import (
	"time"
)

type LeaveType string

const (
	LeaveTypeAnnual    LeaveType = "leave"
	LeaveTypeEmergency LeaveType = "emergency"
	LeaveTypeSick      LeaveType = "sick"
)

const (
	LeaveStatusPending  = "pending"
	LeaveStatusApproved = "approved"
	LeaveStatusRejected = "rejected"
)

const AttendanceApprovalChannel = "attendance-approval"

type LeaveRequest struct {
	ID                string     `bson:"_id" json:"id" gorm:"primaryKey;type:varchar(36)"`
	EmployeeID        string     `bson:"employee_id" json:"employee_id" gorm:"not null;index"`
	Username          string     `bson:"username" json:"username"`
	ChannelID         string     `bson:"channel_id" json:"channel_id"`
	ApprovalChannelID string     `bson:"approval_channel_id" json:"approval_channel_id"`
	PostID            string     `bson:"post_id" json:"post_id"`
	ApprovalPostID    string     `bson:"approval_post_id" json:"approval_post_id"`
	Type              LeaveType  `bson:"type" json:"type" gorm:"type:varchar(16)"`
	Dates             []string   `bson:"dates" json:"dates" gorm:"serializer:json;type:jsonb"`
	Reason            string     `bson:"reason" json:"reason"`
	Status            string     `bson:"status" json:"status" gorm:"type:varchar(16);index"`
	ApproverID        string     `bson:"approver_id,omitempty" json:"approver_id"`
	ApproverUsername  string     `bson:"approver_username,omitempty" json:"approver_username"`
	ApprovedAt        *time.Time `bson:"approved_at,omitempty" json:"approved_at"`
	RejectReason      string     `bson:"reject_reason,omitempty" json:"reject_reason"`
	CreatedAt         time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `bson:"updated_at" json:"updated_at"`
}

func (LeaveRequest) TableName() string {
	return "leave_requests"
}
