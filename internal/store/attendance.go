package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Travelintrips/attendance2-sub000/internal/model"
)

// MongoAttendanceStore keeps one document per (employee_id, date).
type MongoAttendanceStore struct {
	attendance *mongo.Collection
}

func NewMongoAttendanceStore(ctx context.Context, db *MongoDB) (*MongoAttendanceStore, error) {
	attendance := db.Collection("attendance")

	if _, err := attendance.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "employee_id", Value: 1}, {Key: "date", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "date", Value: 1}}},
	}); err != nil {
		return nil, fmt.Errorf("create attendance indexes: %w", err)
	}

	return &MongoAttendanceStore{attendance: attendance}, nil
}

// FindToday returns the employee's record for date, or nil if none exists.
func (s *MongoAttendanceStore) FindToday(ctx context.Context, employeeID, date string) (*model.AttendanceRecord, error) {
	var record model.AttendanceRecord
	err := s.attendance.FindOne(ctx, bson.M{
		"employee_id": employeeID,
		"date":        date,
	}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find attendance", err)
	}
	return &record, nil
}

// Insert creates the record and sets its ID. A second insert for the same
// (employee_id, date) fails with ErrConflict.
func (s *MongoAttendanceStore) Insert(ctx context.Context, record *model.AttendanceRecord) error {
	now := time.Now()
	record.ID = bson.NewObjectID().Hex()
	record.Version = 1
	record.CreatedAt = now
	record.UpdatedAt = now
	if _, err := s.attendance.InsertOne(ctx, record); err != nil {
		record.ID = ""
		if mongo.IsDuplicateKeyError(err) {
			return wrap("insert attendance", ErrConflict)
		}
		return wrap("insert attendance", err)
	}
	return nil
}

// Update applies patch if the stored version still equals version and returns
// the updated record.
func (s *MongoAttendanceStore) Update(ctx context.Context, id string, version int64, patch model.AttendancePatch) (*model.AttendanceRecord, error) {
	set := bson.M{"updated_at": time.Now()}
	for k, v := range patch.Fields() {
		set[k] = v
	}

	var record model.AttendanceRecord
	err := s.attendance.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "version": version},
		bson.M{"$set": set, "$inc": bson.M{"version": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cerr := s.attendance.CountDocuments(ctx, bson.M{"_id": id})
		if cerr != nil {
			return nil, wrap("update attendance", cerr)
		}
		if n == 0 {
			return nil, wrap("update attendance", ErrNotFound)
		}
		return nil, wrap("update attendance", ErrConflict)
	}
	if err != nil {
		return nil, wrap("update attendance", err)
	}
	return &record, nil
}

// RecordsByDate returns all attendance records for the given date (YYYY-MM-DD).
func (s *MongoAttendanceStore) RecordsByDate(ctx context.Context, date string) ([]*model.AttendanceRecord, error) {
	return s.find(ctx, bson.M{"date": date})
}

// RecordsByDateRange returns attendance records within a date range, optionally filtered by employee.
func (s *MongoAttendanceStore) RecordsByDateRange(ctx context.Context, from, to, employeeID string) ([]*model.AttendanceRecord, error) {
	filter := bson.M{"date": bson.M{"$gte": from, "$lte": to}}
	if employeeID != "" {
		filter["employee_id"] = employeeID
	}
	return s.find(ctx, filter)
}

func (s *MongoAttendanceStore) find(ctx context.Context, filter bson.M) ([]*model.AttendanceRecord, error) {
	cursor, err := s.attendance.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "employee_id", Value: 1}}))
	if err != nil {
		return nil, wrap("find attendance", err)
	}
	var results []*model.AttendanceRecord
	if err := cursor.All(ctx, &results); err != nil {
		return nil, wrap("decode attendance", err)
	}
	return results, nil
}

// ChangeWatcher is implemented by stores that can report writes made by
// other processes.
type ChangeWatcher interface {
	WatchChanges(ctx context.Context, fn func(employeeID, date string)) error
}

// WatchChanges streams inserts and updates of attendance documents to fn until
// ctx is done. It requires a replica set deployment.
func (s *MongoAttendanceStore) WatchChanges(ctx context.Context, fn func(employeeID, date string)) error {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
		}}},
	}
	cs, err := s.attendance.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return wrap("watch attendance", err)
	}
	defer cs.Close(context.Background())

	for cs.Next(ctx) {
		var event struct {
			FullDocument struct {
				EmployeeID string `bson:"employee_id"`
				Date       string `bson:"date"`
			} `bson:"fullDocument"`
		}
		if err := cs.Decode(&event); err != nil {
			log.Printf("ERROR decode attendance change: %v", err)
			continue
		}
		if event.FullDocument.EmployeeID == "" {
			continue
		}
		fn(event.FullDocument.EmployeeID, event.FullDocument.Date)
	}
	if err := cs.Err(); err != nil && ctx.Err() == nil {
		return wrap("watch attendance", err)
	}
	return nil
}
