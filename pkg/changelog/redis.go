package changelog

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/twincache/internal/constants"
	"github.com/hyp3rd/twincache/internal/sentinel"
)

// Redis keeps one sorted set per collection, scored by the event time in microseconds.
// Known collections are members of a registry set.
type Redis struct {
	rdb       redis.UniversalClient
	keyPrefix string
	retention time.Duration
	now       func() time.Time
}

// RedisOption configures a Redis log.
type RedisOption func(*Redis)

// WithKeyPrefix sets the prefix of every key the log writes.
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *Redis) {
		if prefix != "" {
			l.keyPrefix = prefix
		}
	}
}

// WithRetention drops events older than retention whenever an event is appended.
func WithRetention(retention time.Duration) RedisOption {
	return func(l *Redis) {
		l.retention = retention
	}
}

// WithNow sets the clock used for missing event timestamps and retention.
func WithNow(now func() time.Time) RedisOption {
	return func(l *Redis) {
		if now != nil {
			l.now = now
		}
	}
}

// NewRedis creates a log on client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, sentinel.ErrNilClient
	}

	l := &Redis{
		rdb:       client,
		keyPrefix: constants.RedisKeyPrefix,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// CreateCollection registers database/collection.
func (l *Redis) CreateCollection(ctx context.Context, database, collection string) error {
	err := validateCollection(database, collection)
	if err != nil {
		return err
	}

	err = l.rdb.SAdd(ctx, l.registryKey(), collectionID(database, collection)).Err()
	if err != nil {
		return ewrap.Wrap(err, "registering change collection")
	}

	return nil
}

// Append adds an event to a registered collection.
func (l *Redis) Append(ctx context.Context, database, collection string, event ChangeEvent) (ChangeEvent, error) {
	err := l.ensureCollection(ctx, database, collection)
	if err != nil {
		return ChangeEvent{}, err
	}

	event = completeEvent(event, l.now)

	member, err := json.Marshal(event)
	if err != nil {
		return ChangeEvent{}, ewrap.Wrap(err, "encoding change event")
	}

	key := l.collectionKey(database, collection)

	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: score(event.Timestamp), Member: string(member)})

		if l.retention > 0 {
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(l.now().Add(-l.retention).UnixMicro(), 10))
		}

		return nil
	})
	if err != nil {
		return ChangeEvent{}, ewrap.Wrap(err, "appending change event")
	}

	return event, nil
}

// QueryDocuments returns the matching events of database/collection.
func (l *Redis) QueryDocuments(
	ctx context.Context,
	database, collection string,
	query ChangeQuery,
	skip, top int,
) ([]ChangeEvent, error) {
	err := l.ensureCollection(ctx, database, collection)
	if err != nil {
		return nil, err
	}

	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Offset: int64(skip), Count: -1}
	if !query.NewerThan.IsZero() {
		// scores are truncated to microseconds: keep the whole tick of NewerThan so a
		// later event inside it is never missed
		by.Min = strconv.FormatInt(query.NewerThan.UnixMicro(), 10)
	}

	if top > 0 {
		by.Count = int64(top)
	}

	key := l.collectionKey(database, collection)

	var members []string

	if query.Descending {
		members, err = l.rdb.ZRevRangeByScore(ctx, key, by).Result()
	} else {
		members, err = l.rdb.ZRangeByScore(ctx, key, by).Result()
	}

	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, ewrap.Wrap(err, "querying change events")
	}

	events := make([]ChangeEvent, 0, len(members))

	for _, member := range members {
		var event ChangeEvent

		err = json.Unmarshal([]byte(member), &event)
		if err != nil {
			return nil, ewrap.Wrap(err, "decoding change event")
		}

		events = append(events, event)
	}

	return events, nil
}

func (l *Redis) ensureCollection(ctx context.Context, database, collection string) error {
	err := validateCollection(database, collection)
	if err != nil {
		return err
	}

	id := collectionID(database, collection)

	known, err := l.rdb.SIsMember(ctx, l.registryKey(), id).Result()
	if err != nil {
		return ewrap.Wrap(err, "checking change collection")
	}

	if !known {
		return ewrap.Wrap(sentinel.ErrCollectionNotFound, id)
	}

	return nil
}

func (l *Redis) registryKey() string {
	return l.keyPrefix + ":changelog:collections"
}

func (l *Redis) collectionKey(database, collection string) string {
	return l.keyPrefix + ":changelog:" + database + ":" + collection
}

func score(ts time.Time) float64 {
	return float64(ts.UnixMicro())
}
