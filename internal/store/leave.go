package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/Travelintrips/attendance2-sub000/internal/model"
)

type MongoLeaveStore struct {
	leave *mongo.Collection
}

func NewMongoLeaveStore(ctx context.Context, db *MongoDB) (*MongoLeaveStore, error) {
	leave := db.Collection("leave_requests")

	if _, err := leave.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "employee_id", Value: 1}, {Key: "dates", Value: 1}}},
		{Keys: bson.D{{Key: "dates", Value: 1}}},
	}); err != nil {
		return nil, fmt.Errorf("create leave_requests indexes: %w", err)
	}

	return &MongoLeaveStore{leave: leave}, nil
}

// Create inserts a new leave request and sets the ID on the struct.
func (s *MongoLeaveStore) Create(ctx context.Context, req *model.LeaveRequest) error {
	req.ID = bson.NewObjectID().Hex()
	req.CreatedAt = time.Now()
	req.UpdatedAt = time.Now()
	if _, err := s.leave.InsertOne(ctx, req); err != nil {
		req.ID = ""
		return wrap("insert leave request", err)
	}
	return nil
}

// GetByID retrieves a leave request, or nil if it does not exist.
func (s *MongoLeaveStore) GetByID(ctx context.Context, id string) (*model.LeaveRequest, error) {
	var req model.LeaveRequest
	err := s.leave.FindOne(ctx, bson.M{"_id": id}).Decode(&req)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find leave request", err)
	}
	return &req, nil
}

func (s *MongoLeaveStore) Update(ctx context.Context, req *model.LeaveRequest) error {
	req.UpdatedAt = time.Now()
	_, err := s.leave.ReplaceOne(ctx, bson.M{"_id": req.ID}, req)
	return wrap("update leave request", err)
}

// ByDateRange returns requests with any date in [from, to], optionally for one employee.
func (s *MongoLeaveStore) ByDateRange(ctx context.Context, from, to, employeeID string) ([]*model.LeaveRequest, error) {
	filter := bson.M{"dates": bson.M{"$elemMatch": bson.M{"$gte": from, "$lte": to}}}
	if employeeID != "" {
		filter["employee_id"] = employeeID
	}
	cursor, err := s.leave.Find(ctx, filter)
	if err != nil {
		return nil, wrap("find leave requests", err)
	}
	var results []*model.LeaveRequest
	if err := cursor.All(ctx, &results); err != nil {
		return nil, wrap("decode leave requests", err)
	}
	return results, nil
}
