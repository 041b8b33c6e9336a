package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
)

// MongoStore implements DocumentStore on MongoDB. Appends run in a
// transaction against a per-channel counter, so a replica set is required.
type MongoStore struct {
	client   *mongo.Client
	messages *mongo.Collection
	counters *mongo.Collection
	claims   *mongo.Collection
}

type mongoMessage struct {
	ID        string    `bson:"_id"`
	Channel   string    `bson:"channel"`
	Ticket    string    `bson:"ticket"`
	Text      string    `bson:"text"`
	Sender    string    `bson:"sender"`
	Ts        int64     `bson:"ts"`
	CreatedAt time.Time `bson:"created_at"`
}

func (m mongoMessage) toDomain() domain.Message {
	return domain.Message{
		ID:        m.ID,
		ChannelID: domain.TicketID(m.Ticket),
		Text:      m.Text,
		Sender:    m.Sender,
		Timestamp: m.Ts,
	}
}

// NewMongoStore connects to uri and ensures the indexes exist.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		messages: db.Collection("messages"),
		counters: db.Collection("channel_counters"),
		claims:   db.Collection("seed_locks"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "channel", Value: 1},
			{Key: "ts", Value: 1},
			{Key: "_id", Value: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create message index: %w", err)
	}
	_, err = s.claims.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "claimed_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(ClaimTTL / time.Second)),
	})
	if err != nil {
		return fmt.Errorf("failed to create claim index: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Create bumps the channel counter and inserts the message in one
// transaction. Concurrent writers conflict on the counter document, so
// commit order follows timestamp order.
func (s *MongoStore) Create(ctx context.Context, key domain.ChannelKey, msg domain.Message) (domain.Message, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return domain.Message{}, mapMongoError("start session", err)
	}
	defer sess.EndSession(ctx)

	doc := mongoMessage{
		ID:      uuid.NewString(),
		Channel: key.Path(),
		Ticket:  string(key.Ticket),
		Text:    msg.Text,
		Sender:  msg.Sender,
	}

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		now := time.Now()
		update := mongo.Pipeline{
			{{Key: "$set", Value: bson.D{
				{Key: "ts", Value: bson.D{{Key: "$max", Value: bson.A{
					bson.D{{Key: "$add", Value: bson.A{
						bson.D{{Key: "$ifNull", Value: bson.A{"$ts", 0}}}, 1,
					}}},
					now.UnixMilli(),
				}}}},
			}}},
		}
		opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

		var counter struct {
			Ts int64 `bson:"ts"`
		}
		if err := s.counters.FindOneAndUpdate(sc, bson.M{"_id": key.Path()}, update, opts).Decode(&counter); err != nil {
			return nil, err
		}

		doc.Ts = counter.Ts
		doc.CreatedAt = now.UTC()
		if _, err := s.messages.InsertOne(sc, doc); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return domain.Message{}, mapMongoError("create", err)
	}
	return doc.toDomain(), nil
}

// Query returns the messages after the cursor ordered by (ts, _id).
func (s *MongoStore) Query(ctx context.Context, key domain.ChannelKey, after domain.Cursor) ([]domain.Message, error) {
	filter := bson.M{
		"channel": key.Path(),
		"$or": bson.A{
			bson.M{"ts": bson.M{"$gt": after.Timestamp}},
			bson.M{"ts": after.Timestamp, "_id": bson.M{"$gt": after.ID}},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, mapMongoError("query", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoMessage
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapMongoError("query", err)
	}
	msgs := make([]domain.Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, d.toDomain())
	}
	return msgs, nil
}

// LiveQuery opens a change stream before reading the backlog, so inserts
// committed between the two are seen at least once.
func (s *MongoStore) LiveQuery(ctx context.Context, key domain.ChannelKey, after domain.Cursor) (LiveStream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.channel", Value: key.Path()},
		}}},
	}
	cs, err := s.messages.Watch(ctx, pipeline)
	if err != nil {
		return nil, mapMongoError("watch", err)
	}

	ctx, base := newStreamBase(ctx)
	stream := &changeStream{streamBase: base}
	go stream.run(ctx, cs, after, func(ctx context.Context, cursor domain.Cursor) ([]domain.Message, error) {
		return s.Query(ctx, key, cursor)
	})
	return stream, nil
}

type changeStream struct {
	*streamBase
}

func (s *changeStream) run(ctx context.Context, cs *mongo.ChangeStream, cursor domain.Cursor, backlog queryFunc) {
	defer close(s.done)
	defer close(s.out)
	defer cs.Close(context.Background())

	msgs, err := backlog(ctx, cursor)
	if err != nil {
		if ctx.Err() == nil {
			s.setErr(err)
		}
		return
	}
	for _, m := range msgs {
		if !s.push(ctx, m) {
			return
		}
		cursor = m.Cursor()
	}

	for cs.Next(ctx) {
		var event struct {
			FullDocument mongoMessage `bson:"fullDocument"`
		}
		if err := cs.Decode(&event); err != nil {
			s.setErr(fmt.Errorf("%w: decode change: %v", domain.ErrSubscriptionLost, err))
			return
		}
		m := event.FullDocument.toDomain()
		if !cursor.Less(m.Cursor()) {
			continue
		}
		if !s.push(ctx, m) {
			return
		}
		cursor = m.Cursor()
	}
	if ctx.Err() == nil {
		s.setErr(fmt.Errorf("%w: %v", domain.ErrSubscriptionLost, cs.Err()))
	}
}

// Claim inserts a seed lock keyed by channel and name.
func (s *MongoStore) Claim(ctx context.Context, key domain.ChannelKey, name, owner string) (bool, error) {
	id := key.Path() + "/" + name
	_, err := s.claims.DeleteOne(ctx, bson.M{"_id": id, "claimed_at": bson.M{"$lt": time.Now().UTC().Add(-ClaimTTL)}})
	if err != nil {
		return false, mapMongoError("claim", err)
	}

	_, err = s.claims.InsertOne(ctx, bson.M{
		"_id":        id,
		"owner":      owner,
		"claimed_at": time.Now().UTC(),
	})
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, mapMongoError("claim", err)
	}

	var holder struct {
		Owner string `bson:"owner"`
	}
	if err := s.claims.FindOne(ctx, bson.M{"_id": id}).Decode(&holder); err != nil {
		return false, mapMongoError("claim", err)
	}
	return holder.Owner == owner, nil
}

func (s *MongoStore) Release(ctx context.Context, key domain.ChannelKey, name, owner string) error {
	_, err := s.claims.DeleteOne(ctx, bson.M{"_id": key.Path() + "/" + name, "owner": owner})
	if err != nil {
		return mapMongoError("release", err)
	}
	return nil
}

func mapMongoError(op string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) ||
		errors.Is(err, mongo.ErrClientDisconnected) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
