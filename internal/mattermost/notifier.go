package mattermost

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/Travelintrips/attendance2-sub000/internal/clock"
	"github.com/Travelintrips/attendance2-sub000/internal/i18n"
	"github.com/Travelintrips/attendance2-sub000/internal/model"
)

// Poster is the subset of Client the notifier needs.
type Poster interface {
	CreatePost(post *Post) (*Post, error)
	GetUser(userID string) (*User, error)
	UploadFile(channelID, filename string, data []byte) (string, error)
}

// Notifier posts attendance changes to the attendance channel and stores
// verification photos there.
type Notifier struct {
	mm        Poster
	channelID string

	mu    sync.Mutex
	users map[string]*User
}

func NewNotifier(mm Poster, channelID string) *Notifier {
	return &Notifier{mm: mm, channelID: channelID, users: make(map[string]*User)}
}

// OnRecordChanged announces a check-in, check-out, photo or leave day.
func (n *Notifier) OnRecordChanged(ctx context.Context, change model.RecordChange) {
	if n.channelID == "" || change.Record == nil {
		return
	}
	user := n.user(change.EmployeeID)
	if user.Locale != "" {
		ctx = i18n.WithLocale(ctx, user.Locale)
	}

	rec := change.Record
	var msg string
	var fileIDs []string
	switch change.Event {
	case model.RecordEventCheckIn:
		msg = i18n.T(ctx, "attendance.checked_in", map[string]any{"Name": user.Username, "Time": clock.Display(*rec.CheckIn)})
	case model.RecordEventCheckOut:
		msg = i18n.T(ctx, "attendance.checked_out", map[string]any{"Name": user.Username, "Time": clock.Display(*rec.CheckOut)})
	case model.RecordEventSelfie:
		msg = i18n.T(ctx, "attendance.selfie_saved", map[string]any{"Name": user.Username})
		if rec.SelfieCheckOut != "" {
			fileIDs = []string{rec.SelfieCheckOut}
		} else if rec.SelfieCheckIn != "" {
			fileIDs = []string{rec.SelfieCheckIn}
		}
	case model.RecordEventLeave:
		msg = i18n.T(ctx, "attendance.leave_marked", map[string]any{"Name": user.Username, "Date": change.Date})
	default:
		return
	}
	if change.Warning != nil {
		msg += "\n_" + i18n.T(ctx, "attendance.warn.location") + "_"
	}

	if _, err := n.mm.CreatePost(&Post{ChannelID: n.channelID, Message: msg, FileIDs: fileIDs}); err != nil {
		log.Printf("ERROR post attendance %s for %s: %v", change.Event, change.EmployeeID, err)
	}
}

// UploadVerificationImage stores the photo in the attendance channel and
// returns its file ID.
func (n *Notifier) UploadVerificationImage(ctx context.Context, employeeID, filename string, data []byte) (string, error) {
	if n.channelID == "" {
		return "", fmt.Errorf("attendance channel is not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if filename == "" {
		filename = employeeID + ".jpg"
	}
	return n.mm.UploadFile(n.channelID, filename, data)
}

// user falls back to the raw ID when the lookup fails.
func (n *Notifier) user(userID string) *User {
	n.mu.Lock()
	u, ok := n.users[userID]
	n.mu.Unlock()
	if ok {
		return u
	}

	u, err := n.mm.GetUser(userID)
	if err != nil {
		log.Printf("WARN get user %s: %v", userID, err)
		return &User{ID: userID, Username: userID}
	}
	n.mu.Lock()
	n.users[userID] = u
	n.mu.Unlock()
	return u
}
