package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/session"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrTokenEmpty = errors.New("token is empty")

// SessionRecord 会话审计文档
type SessionRecord struct {
	Token      string             `bson:"token"`
	UserName   string             `bson:"user_name"`
	PeerAddr   string             `bson:"peer_addr"`
	SystemType message.SystemType `bson:"system_type"`
	CreatedAt  time.Time          `bson:"created_at"`
	ActiveAt   time.Time          `bson:"active_at"`
	EndedAt    *time.Time         `bson:"ended_at,omitempty"`
	EndReason  string             `bson:"end_reason,omitempty"`
}

func NewSessionRecord(s *session.Session) *SessionRecord {
	return &SessionRecord{
		Token:      s.Token,
		UserName:   s.UserName,
		PeerAddr:   s.PeerAddr,
		SystemType: s.SystemType,
		CreatedAt:  s.CreateTime,
		ActiveAt:   s.LastActivity,
	}
}

// Active 会话尚未结束
func (r *SessionRecord) Active() bool {
	return r.EndedAt == nil
}

func wrapError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document does not exist: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

// SaveSession 按令牌写入或覆盖审计记录
func (d *Database) SaveSession(s *session.Session) error {
	if s.Token == "" {
		return ErrTokenEmpty
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "token", Value: s.Token}}
	result, err := d.sessions.ReplaceOne(ctx, filter, NewSessionRecord(s), options.Replace().SetUpsert(true))
	if err != nil {
		return wrapError(err)
	}

	logger.DebugF("Session saved: user=%s, matched=%d, upserted=%v",
		s.UserName, result.MatchedCount, result.UpsertedID != nil)
	return nil
}

// DeleteSession 会话结束时标记结束时间与原因, 记录本身保留
func (d *Database) DeleteSession(token string, reason string) error {
	if token == "" {
		return ErrTokenEmpty
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "token", Value: token}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "ended_at", Value: time.Now()},
		{Key: "end_reason", Value: reason},
	}}}
	result, err := d.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapError(err)
	}

	logger.DebugF("Session ended: reason=%s, matched=%d", reason, result.MatchedCount)
	return nil
}

// FindSession 查询审计记录
func (d *Database) FindSession(token string) (*SessionRecord, error) {
	if token == "" {
		return nil, ErrTokenEmpty
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.operationTimeout)
	defer cancel()

	var record SessionRecord
	startTime := time.Now()
	err := d.sessions.FindOne(ctx, bson.D{{Key: "token", Value: token}}).Decode(&record)
	logger.DebugF("session query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, wrapError(err)
	}
	return &record, nil
}

// CloseDangling 进程重启后将上次未结束的会话标记为结束
func (d *Database) CloseDangling(reason string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "ended_at", Value: bson.D{{Key: "$exists", Value: false}}}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "ended_at", Value: time.Now()},
		{Key: "end_reason", Value: reason},
	}}}
	result, err := d.sessions.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, wrapError(err)
	}
	return result.ModifiedCount, nil
}
