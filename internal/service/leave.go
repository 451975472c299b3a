package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Travelintrips/attendance2-sub000/internal/clock"
	"github.com/Travelintrips/attendance2-sub000/internal/i18n"
	"github.com/Travelintrips/attendance2-sub000/internal/mattermost"
	"github.com/Travelintrips/attendance2-sub000/internal/model"
)

var (
	ErrLeaveNotFound = errors.New("leave request not found")
	ErrLeaveDecided  = errors.New("leave request already decided")
	ErrInvalidDates  = errors.New("invalid leave dates")
)

type LeaveStore interface {
	Create(ctx context.Context, req *model.LeaveRequest) error
	GetByID(ctx context.Context, id string) (*model.LeaveRequest, error)
	Update(ctx context.Context, req *model.LeaveRequest) error
	ByDateRange(ctx context.Context, from, to, employeeID string) ([]*model.LeaveRequest, error)
}

// Messenger is the part of the chat client the leave workflow posts through.
type Messenger interface {
	CreatePost(post *mattermost.Post) (*mattermost.Post, error)
	UpdatePost(postID string, post *mattermost.Post) (*mattermost.Post, error)
	GetChannel(channelID string) (*mattermost.ChannelInfo, error)
	GetChannelByName(teamID, channelName string) (string, error)
	GetUser(userID string) (*mattermost.User, error)
	SendDM(userID, message string) error
}

type LeaveService struct {
	store  LeaveStore
	engine *Engine
	mm     Messenger
	botURL string // Bot service base URL for integration callbacks
}

func NewLeaveService(store LeaveStore, engine *Engine, mm Messenger, botURL string) *LeaveService {
	return &LeaveService{store: store, engine: engine, mm: mm, botURL: botURL}
}

func (s *LeaveService) CreateLeaveRequest(ctx context.Context, employeeID, username, channelID string, leaveType model.LeaveType, dates []string, reason string) (*model.LeaveRequest, error) {
	// Lookup username if not provided (dialog submissions may omit it)
	if username == "" {
		user, err := s.mm.GetUser(employeeID)
		if err != nil {
			return nil, fmt.Errorf("get user info: %w", err)
		}
		username = user.Username
	}

	today := clock.DateKey(s.engine.clock.Now())
	if err := validateDateList(dates, today); err != nil {
		return nil, err
	}

	// Resolve approval channel before creating any posts
	channelInfo, err := s.mm.GetChannel(channelID)
	if err != nil {
		return nil, fmt.Errorf("get channel info: %w", err)
	}

	// Extract suffix from channel name (e.g. "attendance-dev" → suffix "-dev")
	suffix := strings.TrimPrefix(channelInfo.Name, model.AttendanceChannel)
	approvalChannelName := model.AttendanceApprovalChannel + suffix
	approvalChannelID, err := s.mm.GetChannelByName(channelInfo.TeamID, approvalChannelName)
	if err != nil {
		return nil, fmt.Errorf("get approval channel '%s': %w", approvalChannelName, err)
	}

	req := &model.LeaveRequest{
		EmployeeID:        employeeID,
		Username:          username,
		ChannelID:         channelID,
		ApprovalChannelID: approvalChannelID,
		Type:              leaveType,
		Dates:             dates,
		Reason:            reason,
		Status:            model.LeaveStatusPending,
	}
	if err := s.store.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create leave request: %w", err)
	}

	infoMsg := formatLeaveMsg(ctx, req, i18n.T(ctx, "leave.status.pending"))

	infoPost, err := s.mm.CreatePost(&mattermost.Post{
		ChannelID: channelID,
		Message:   infoMsg,
	})
	if err != nil {
		return nil, fmt.Errorf("post info message: %w", err)
	}

	approvalPost, err := s.mm.CreatePost(&mattermost.Post{
		ChannelID: approvalChannelID,
		Message:   "@all\n" + infoMsg,
		Props: mattermost.Props{
			Attachments: []mattermost.Attachment{{
				Actions: []mattermost.Action{
					{
						Name: i18n.T(ctx, "leave.button.approve"),
						Type: "button",
						Integration: mattermost.Integration{
							URL:     s.botURL + "/api/attendance/approve",
							Context: map[string]any{"request_id": req.ID},
						},
					},
					{
						Name: i18n.T(ctx, "leave.button.reject"),
						Type: "button",
						Integration: mattermost.Integration{
							URL:     s.botURL + "/api/attendance/reject",
							Context: map[string]any{"request_id": req.ID},
						},
					},
				},
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("post approval message: %w", err)
	}

	req.PostID = infoPost.ID
	req.ApprovalPostID = approvalPost.ID
	if err := s.store.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("update leave request: %w", err)
	}
	return req, nil
}

// ApproveLeave approves a pending request and marks each of its days as leave.
func (s *LeaveService) ApproveLeave(ctx context.Context, requestID, approverID, approverUsername string) (string, error) {
	req, err := s.getPending(ctx, requestID)
	if err != nil {
		return "", err
	}

	now := s.engine.clock.Now()
	req.Status = model.LeaveStatusApproved
	req.ApproverID = approverID
	req.ApproverUsername = approverUsername
	req.ApprovedAt = &now

	if err := s.store.Update(ctx, req); err != nil {
		return "", fmt.Errorf("update leave request: %w", err)
	}

	for _, date := range req.Dates {
		if _, err := s.engine.MarkLeave(ctx, req.EmployeeID, date); err != nil {
			log.Printf("ERROR mark leave %s on %s: %v", req.EmployeeID, date, err)
		}
	}

	updatedMsg := formatLeaveMsg(ctx, req, i18n.T(ctx, "leave.status.approved"))
	s.finishPosts(ctx, req, updatedMsg, i18n.T(ctx, "leave.approved", map[string]any{
		"Name":     req.Username,
		"Approver": approverUsername,
	}))
	return updatedMsg, nil
}

func (s *LeaveService) RejectLeave(ctx context.Context, requestID, rejecterID, rejecterUsername, reason string) (string, error) {
	req, err := s.getPending(ctx, requestID)
	if err != nil {
		return "", err
	}

	now := s.engine.clock.Now()
	req.Status = model.LeaveStatusRejected
	req.ApproverID = rejecterID
	req.ApproverUsername = rejecterUsername
	req.ApprovedAt = &now
	req.RejectReason = reason

	if err := s.store.Update(ctx, req); err != nil {
		return "", fmt.Errorf("update leave request: %w", err)
	}

	updatedMsg := formatLeaveMsg(ctx, req, i18n.T(ctx, "leave.status.rejected"))
	replyMsg := i18n.T(ctx, "leave.rejected", map[string]any{
		"Name":     req.Username,
		"Approver": rejecterUsername,
	})
	if reason != "" {
		replyMsg += "\n> " + reason
	}
	s.finishPosts(ctx, req, updatedMsg, replyMsg)
	return updatedMsg, nil
}

func (s *LeaveService) getPending(ctx context.Context, requestID string) (*model.LeaveRequest, error) {
	req, err := s.store.GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("get leave request: %w", err)
	}
	if req == nil {
		return nil, ErrLeaveNotFound
	}
	if req.Status != model.LeaveStatusPending {
		return nil, fmt.Errorf("%w: %s", ErrLeaveDecided, req.Status)
	}
	return req, nil
}

// finishPosts updates both request posts (dropping the buttons) and tells the requester.
func (s *LeaveService) finishPosts(ctx context.Context, req *model.LeaveRequest, updatedMsg, replyMsg string) {
	if _, err := s.mm.UpdatePost(req.PostID, &mattermost.Post{
		ChannelID: req.ChannelID,
		Message:   updatedMsg,
	}); err != nil {
		log.Printf("ERROR update leave info post: %v", err)
	}

	if _, err := s.mm.UpdatePost(req.ApprovalPostID, &mattermost.Post{
		ChannelID: req.ApprovalChannelID,
		Message:   updatedMsg,
		Props:     mattermost.Props{Attachments: []mattermost.Attachment{}},
	}); err != nil {
		log.Printf("ERROR update leave approval post: %v", err)
	}

	if _, err := s.mm.CreatePost(&mattermost.Post{
		ChannelID: req.ChannelID,
		RootID:    req.PostID,
		Message:   replyMsg,
	}); err != nil {
		log.Printf("ERROR reply to leave request: %v", err)
	}
	if err := s.mm.SendDM(req.EmployeeID, replyMsg); err != nil {
		log.Printf("ERROR dm leave decision to %s: %v", req.EmployeeID, err)
	}
}

func validateDateList(dates []string, today string) error {
	if len(dates) == 0 {
		return fmt.Errorf("%w: at least one date is required", ErrInvalidDates)
	}
	for _, d := range dates {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidDates, d)
		}
		if d < today {
			return fmt.Errorf("%w: %s is in the past", ErrInvalidDates, d)
		}
	}
	return nil
}

func formatLeaveMsg(ctx context.Context, req *model.LeaveRequest, status string) string {
	return fmt.Sprintf("#### %s\n| | |\n|:--|:--|\n| **User** | @%s |\n| **%s** | %s |\n| **%s** | %s |\n| **%s** | %s |\n| **Status** | %s |",
		i18n.T(ctx, "leave.dialog.title"),
		req.Username,
		i18n.T(ctx, "leave.dialog.type"), i18n.T(ctx, "leave.type."+string(req.Type)),
		i18n.T(ctx, "leave.dialog.dates"), strings.Join(req.Dates, ", "),
		i18n.T(ctx, "leave.dialog.reason"), req.Reason,
		status)
}
