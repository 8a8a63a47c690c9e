package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sukoon-app/sukoon-backend/internal/models"
)

// Mongo stores each session as a single document with an embedded message
// array, so an append and its dedup guard are one atomic update.
type Mongo struct {
	db *mongo.Database
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{db: db}
}

func (s *Mongo) sessions() *mongo.Collection {
	return s.db.Collection("sessions")
}

func (s *Mongo) preferences() *mongo.Collection {
	return s.db.Collection("preferences")
}

func (s *Mongo) CreateSession(ctx context.Context, session models.Session) error {
	if session.Messages == nil {
		session.Messages = []models.Message{}
	}
	session.MessageCount = len(session.Messages)

	_, err := s.sessions().InsertOne(ctx, session)
	return err
}

func (s *Mongo) SaveMessage(ctx context.Context, userID, sessionID string, msg models.Message) error {
	now := time.Now().UTC()

	// The filter skips sessions already holding this message id, which makes
	// a retried append a no-op instead of a second copy.
	res, err := s.sessions().UpdateOne(ctx,
		bson.M{"_id": sessionID, "userId": userID, "messages.id": bson.M{"$ne": msg.ID}},
		bson.M{
			"$push": bson.M{"messages": msg},
			"$set":  bson.M{"lastUpdated": now},
		},
	)
	if err != nil {
		return err
	}

	if res.MatchedCount == 0 {
		count, err := s.sessions().CountDocuments(ctx, bson.M{"_id": sessionID, "userId": userID})
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrSessionNotFound
		}
		// Session exists, message id already present: duplicate append.
		return nil
	}

	// Recount from the persisted log rather than incrementing, so a partial
	// failure never leaves the counter drifting from the array.
	_, err = s.sessions().UpdateOne(ctx,
		bson.M{"_id": sessionID, "userId": userID},
		bson.A{bson.M{"$set": bson.M{"messageCount": bson.M{"$size": "$messages"}}}},
	)
	return err
}

func (s *Mongo) LoadSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	var session models.Session
	err := s.sessions().FindOne(ctx, bson.M{"_id": sessionID, "userId": userID}).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Mongo) LoadSessionMessages(ctx context.Context, userID, sessionID string) ([]models.Message, error) {
	session, err := s.LoadSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	messages := session.Messages
	sortBySeq(messages)
	return messages, nil
}

func (s *Mongo) GetLatestSession(ctx context.Context, userID string) (*models.Session, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "lastUpdated", Value: -1}})

	var session models.Session
	err := s.sessions().FindOne(ctx, bson.M{"userId": userID}, opts).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Mongo) GetChatHistory(ctx context.Context, userID string, limit int) ([]models.SessionSummary, error) {
	opts := options.Find().SetSort(bson.D{{Key: "lastUpdated", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.sessions().Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var sessions []models.Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, err
	}

	summaries := make([]models.SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, models.SessionSummary{
			SessionID:    session.SessionID,
			CreatedAt:    session.CreatedAt,
			LastUpdated:  session.LastUpdated,
			MessageCount: session.MessageCount,
			Language:     session.LanguagePreference,
			Preview:      preview(session.Messages),
			Summary:      session.Summary,
			IsActive:     session.IsActive,
		})
	}
	return summaries, nil
}

func (s *Mongo) UpdateSessionMetadata(ctx context.Context, userID, sessionID string, fields map[string]any) error {
	set := bson.M{"lastUpdated": time.Now().UTC()}
	for key, value := range fields {
		set[key] = value
	}

	res, err := s.sessions().UpdateOne(ctx,
		bson.M{"_id": sessionID, "userId": userID},
		bson.M{"$set": set},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Mongo) LoadPreferences(ctx context.Context, userID string) (*models.Preferences, error) {
	var prefs models.Preferences
	err := s.preferences().FindOne(ctx, bson.M{"_id": userID}).Decode(&prefs)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &prefs, nil
}

func (s *Mongo) SavePreferences(ctx context.Context, prefs models.Preferences) error {
	prefs.UpdatedAt = time.Now().UTC()

	opts := options.Replace().SetUpsert(true)
	_, err := s.preferences().ReplaceOne(ctx, bson.M{"_id": prefs.UserID}, prefs, opts)
	return err
}
