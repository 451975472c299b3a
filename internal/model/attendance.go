package model

import (
	"time"

	"github.com/Travelintrips/attendance2-sub000/internal/geo"
)

type AttendanceStatus string

const (
	AttendanceStatusPresent AttendanceStatus = "present"
	AttendanceStatusAbsent  AttendanceStatus = "absent"
	AttendanceStatusLate    AttendanceStatus = "late"
	AttendanceStatusLeave   AttendanceStatus = "leave"
)

const AttendanceChannel = "attendance"

// AttendanceRecord is one employee's attendance for one calendar day.
// (EmployeeID, Date) is unique.
type AttendanceRecord struct {
	ID               string           `bson:"_id" json:"id" gorm:"primaryKey;type:varchar(36)"`
	EmployeeID       string           `bson:"employee_id" json:"employee_id" gorm:"not null;uniqueIndex:idx_attendance_employee_date,priority:1"`
	Date             string           `bson:"date" json:"date" gorm:"type:varchar(10);not null;uniqueIndex:idx_attendance_employee_date,priority:2;index"` // YYYY-MM-DD
	CheckIn          *time.Time       `bson:"check_in,omitempty" json:"check_in"`
	CheckOut         *time.Time       `bson:"check_out,omitempty" json:"check_out"`
	Status           AttendanceStatus `bson:"status" json:"status" gorm:"type:varchar(16);not null"`
	LocationCheckIn  *geo.Point       `bson:"location_check_in,omitempty" json:"location_check_in,omitempty" gorm:"serializer:json;type:jsonb"`
	LocationCheckOut *geo.Point       `bson:"location_check_out,omitempty" json:"location_check_out,omitempty" gorm:"serializer:json;type:jsonb"`
	SelfieCheckIn    string           `bson:"selfie_check_in,omitempty" json:"selfie_check_in,omitempty"`
	SelfieCheckOut   string           `bson:"selfie_check_out,omitempty" json:"selfie_check_out,omitempty"`
	LocationWarning  bool             `bson:"location_warning" json:"location_warning"` // a sentinel location was stored
	Version          int64            `bson:"version" json:"version" gorm:"not null;default:1"`
	CreatedAt        time.Time        `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `bson:"updated_at" json:"updated_at"`
}

func (AttendanceRecord) TableName() string {
	return "attendance"
}

// AttendancePatch is a partial update. Nil fields are left untouched.
type AttendancePatch struct {
	CheckIn          *time.Time
	CheckOut         *time.Time
	Status           *AttendanceStatus
	LocationCheckIn  *geo.Point
	LocationCheckOut *geo.Point
	SelfieCheckIn    *string
	SelfieCheckOut   *string
	LocationWarning  *bool
}

// Fields returns the set columns keyed by their stored names.
func (p AttendancePatch) Fields() map[string]any {
	f := make(map[string]any)
	if p.CheckIn != nil {
		f["check_in"] = *p.CheckIn
	}
	if p.CheckOut != nil {
		f["check_out"] = *p.CheckOut
	}
	if p.Status != nil {
		f["status"] = *p.Status
	}
	if p.LocationCheckIn != nil {
		f["location_check_in"] = *p.LocationCheckIn
	}
	if p.LocationCheckOut != nil {
		f["location_check_out"] = *p.LocationCheckOut
	}
	if p.SelfieCheckIn != nil {
		f["selfie_check_in"] = *p.SelfieCheckIn
	}
	if p.SelfieCheckOut != nil {
		f["selfie_check_out"] = *p.SelfieCheckOut
	}
	if p.LocationWarning != nil {
		f["location_warning"] = *p.LocationWarning
	}
	return f
}

// Columns lists the stored names of the set fields.
func (p AttendancePatch) Columns() []string {
	cols := make([]string, 0, 8)
	for k := range p.Fields() {
		cols = append(cols, k)
	}
	return cols
}

func (p AttendancePatch) IsEmpty() bool {
	return len(p.Fields()) == 0
}

// Apply copies the set fields onto r.
func (p AttendancePatch) Apply(r *AttendanceRecord) {
	if p.CheckIn != nil {
		t := *p.CheckIn
		r.CheckIn = &t
	}
	if p.CheckOut != nil {
		t := *p.CheckOut
		r.CheckOut = &t
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.LocationCheckIn != nil {
		pt := *p.LocationCheckIn
		r.LocationCheckIn = &pt
	}
	if p.LocationCheckOut != nil {
		pt := *p.LocationCheckOut
		r.LocationCheckOut = &pt
	}
	if p.SelfieCheckIn != nil {
		r.SelfieCheckIn = *p.SelfieCheckIn
	}
	if p.SelfieCheckOut != nil {
		r.SelfieCheckOut = *p.SelfieCheckOut
	}
	if p.LocationWarning != nil {
		r.LocationWarning = *p.LocationWarning
	}
}

// RecordEvent names what changed a record.
type RecordEvent string

const (
	RecordEventCheckIn  RecordEvent = "checkin"
	RecordEventCheckOut RecordEvent = "checkout"
	RecordEventSelfie   RecordEvent = "selfie"
	RecordEventLeave    RecordEvent = "leave"
)

// RecordChange is delivered to observers after a record was written.
type RecordChange struct {
	EmployeeID string
	Date       string
	Event      RecordEvent
	Record     *AttendanceRecord
	Warning    error
}
