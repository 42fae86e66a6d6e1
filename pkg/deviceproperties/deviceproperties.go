// Package deviceproperties maintains the deployment-wide list of device twin tag and
// reported property names offered for building device group queries.
//
// The list is one document in a versioned store shared by every service instance. Full
// rebuilds run under a writelock.WriteLock whose predicate encodes the staleness policy;
// incremental merges run a compare-and-swap loop on the same document.
package deviceproperties

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hyp3rd/ewrap"
	"go.uber.org/zap"

	"github.com/hyp3rd/twincache/internal/constants"
	"github.com/hyp3rd/twincache/internal/libs/serializer"
	"github.com/hyp3rd/twincache/internal/sentinel"
	"github.com/hyp3rd/twincache/pkg/storage"
	"github.com/hyp3rd/twincache/pkg/writelock"
)

// Cache is the device property cache.
type Cache struct {
	store      storage.IStore
	source     TwinNameSource
	cfg        Config
	whitelist  Whitelist
	serializer serializer.ISerializer
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a Cache. The source may be nil when the whitelist has no wildcard entry.
func New(store storage.IStore, source TwinNameSource, cfg Config, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, ewrap.Wrap(sentinel.ErrNilValue, "store")
	}

	cache := &Cache{
		store:  store,
		source: source,
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(cache)
	}

	if cache.serializer == nil {
		ser, err := serializer.New(constants.DefaultSerializer)
		if err != nil {
			return nil, err
		}

		cache.serializer = ser
	}

	cache.whitelist = ParseWhitelist(cache.cfg.Whitelist)

	if cache.whitelist.HasWildcards() && source == nil {
		return nil, ewrap.Wrap(sentinel.ErrNilValue, "whitelist has wildcard entries but no twin name source is set")
	}

	cache.logger = cache.logger.With(
		zap.String("component", "deviceproperties"),
		zap.String("collection", cache.cfg.CollectionID),
		zap.String("key", cache.cfg.Key),
	)

	return cache, nil
}

// Config returns the effective configuration.
func (c *Cache) Config() Config {
	return c.cfg
}

// GetList returns every cached tag prefixed with "Tags." followed by every reported
// property name prefixed with "Properties.Reported.".
//
// It fails with sentinel.ErrCacheNotBuilt until the first rebuild has completed and with
// sentinel.ErrInvalidInput when the stored document cannot be decoded.
func (c *Cache) GetList(ctx context.Context) ([]string, error) {
	value, err := c.store.Get(ctx, c.cfg.CollectionID, c.cfg.Key)
	if err != nil {
		if errors.Is(err, sentinel.ErrKeyNotFound) {
			return nil, ewrap.Wrapf(sentinel.ErrCacheNotBuilt, "%s/%s", c.cfg.CollectionID, c.cfg.Key)
		}

		return nil, ewrap.Wrap(err, "reading device properties")
	}

	model, err := c.decode(value)
	if err != nil {
		return nil, err
	}

	if !model.Built {
		return nil, ewrap.Wrapf(sentinel.ErrCacheNotBuilt, "%s/%s has no completed rebuild", c.cfg.CollectionID, c.cfg.Key)
	}

	return model.names(), nil
}

// TryRecreateList rebuilds the document when it is missing, corrupt, expired, or stuck in
// a rebuild that exceeded the rebuild timeout. force rebuilds unconditionally.
//
// It returns false without writing when the document is fresh or another instance is
// rebuilding it within the timeout.
func (c *Cache) TryRecreateList(ctx context.Context, force bool) (bool, error) {
	policy := c.retryPolicy()

	// set once this call abandoned a rebuild: the release refreshed the modification
	// time, so the TTL check no longer tells whether the names are current
	resume := false

	for {
		lock, err := writelock.New(
			c.store,
			c.cfg.CollectionID,
			c.cfg.Key,
			setRebuilding,
			c.shouldRebuild(force, resume),
			writelock.WithSerializer[DevicePropertyServiceModel](c.serializer),
			writelock.WithLogger[DevicePropertyServiceModel](c.logger),
		)
		if err != nil {
			return false, err
		}

		locked, err := lock.TryLock(ctx)
		if err != nil {
			if !errors.Is(err, sentinel.ErrConflict) {
				return false, err
			}

			c.logger.Debug("rebuild lock raced, retrying")

			if _, err = c.nextAttempt(policy); err != nil {
				return false, err
			}

			continue
		}

		if !locked {
			return false, nil
		}

		model, err := c.freshModel(ctx)
		if err != nil {
			c.logger.Warn("computing device properties failed, backing off", zap.Error(err))

			_ = lock.Release(ctx)
			resume = true

			delay, attemptErr := c.nextAttempt(policy)
			if attemptErr != nil {
				return false, attemptErr
			}

			if waitErr := wait(ctx, delay); waitErr != nil {
				return false, waitErr
			}

			continue
		}

		model.Built = true

		written, err := lock.WriteAndRelease(ctx, &model)
		if err != nil {
			return false, err
		}

		if written {
			c.logger.Info("device properties rebuilt",
				zap.Int("tags", len(model.Tags)),
				zap.Int("reported", len(model.Reported)),
				zap.Bool("force", force),
			)

			return true, nil
		}

		c.logger.Info("rebuild lost the lock before writing, retrying")

		if _, err = c.nextAttempt(policy); err != nil {
			return false, err
		}
	}
}

// UpdateList merges partial into the stored names. When nothing new is added the stored
// model is returned without a write.
func (c *Cache) UpdateList(ctx context.Context, partial DevicePropertyServiceModel) (DevicePropertyServiceModel, error) {
	policy := c.retryPolicy()

	for {
		var (
			current DevicePropertyServiceModel
			etag    string
		)

		value, err := c.store.Get(ctx, c.cfg.CollectionID, c.cfg.Key)

		switch {
		case errors.Is(err, sentinel.ErrKeyNotFound):
			current.normalize()
		case err != nil:
			c.logger.Error("reading device properties for merge failed", zap.Error(err))

			return DevicePropertyServiceModel{}, ewrap.Wrap(err, "reading device properties")
		default:
			etag = value.ETag

			current, err = c.decode(value)
			if err != nil {
				c.logger.Error("decoding device properties for merge failed", zap.Error(err))

				return DevicePropertyServiceModel{}, err
			}
		}

		merged := current.union(partial)
		if value != nil && merged.sameNames(current) {
			return current, nil
		}

		data, err := c.serializer.Marshal(&merged)
		if err != nil {
			return DevicePropertyServiceModel{}, ewrap.Wrap(err, "encoding device properties")
		}

		if etag == "" {
			_, err = c.store.Create(ctx, c.cfg.CollectionID, c.cfg.Key, string(data))
		} else {
			_, err = c.store.Update(ctx, c.cfg.CollectionID, c.cfg.Key, string(data), etag)
		}

		if err == nil {
			return merged, nil
		}

		if !errors.Is(err, sentinel.ErrConflict) {
			c.logger.Error("writing merged device properties failed", zap.Error(err))

			return DevicePropertyServiceModel{}, ewrap.Wrap(err, "writing device properties")
		}

		c.logger.Debug("merge raced, retrying", zap.Error(err))

		if _, err = c.nextAttempt(policy); err != nil {
			return DevicePropertyServiceModel{}, err
		}
	}
}

// shouldRebuild is the staleness predicate guarding rebuilds. With resume set an idle
// document is rebuilt regardless of its age.
func (c *Cache) shouldRebuild(force, resume bool) writelock.ShouldLockFunc {
	return func(value *storage.ValueModel) bool {
		if force || value == nil {
			return true
		}

		var model DevicePropertyServiceModel

		err := c.serializer.Unmarshal([]byte(value.Data), &model)
		if err != nil {
			c.logger.Warn("stored device properties are corrupt", zap.Error(err))

			return true
		}

		modified, err := value.ModifiedAt()
		if err != nil {
			c.logger.Warn("stored device properties carry no valid modification time", zap.Error(err))

			return true
		}

		age := c.now().Sub(modified)

		if model.Rebuilding {
			return age > c.cfg.RebuildTimeout
		}

		// merged names without a completed rebuild
		if !model.Built {
			return true
		}

		return resume || age > c.cfg.TTL
	}
}

// freshModel resolves the whitelist against the live twin names.
func (c *Cache) freshModel(ctx context.Context) (DevicePropertyServiceModel, error) {
	var live DeviceTwinName

	if c.whitelist.HasWildcards() {
		names, err := c.source.GetDeviceTwinNames(ctx)
		if err != nil {
			return DevicePropertyServiceModel{}, ewrap.Wrap(err, "listing device twin names")
		}

		live = names
	}

	return c.whitelist.Resolve(live), nil
}

func (c *Cache) decode(value *storage.ValueModel) (DevicePropertyServiceModel, error) {
	var model DevicePropertyServiceModel

	err := c.serializer.Unmarshal([]byte(value.Data), &model)
	if err != nil {
		return DevicePropertyServiceModel{}, ewrap.Wrapf(sentinel.ErrInvalidInput, "decoding %s/%s: %v", c.cfg.CollectionID, c.cfg.Key, err)
	}

	model.normalize()

	return model, nil
}

// retryPolicy bounds the loops to MaxAttempts attempts when set.
func (c *Cache) retryPolicy() backoff.BackOff {
	var policy backoff.BackOff = backoff.NewConstantBackOff(c.cfg.RebuildBackoff)

	switch {
	case c.cfg.MaxAttempts == 1:
		// WithMaxRetries treats zero retries as unlimited
		policy = &backoff.StopBackOff{}
	case c.cfg.MaxAttempts > 1:
		policy = backoff.WithMaxRetries(policy, uint64(c.cfg.MaxAttempts-1))
	}

	policy.Reset()

	return policy
}

// nextAttempt consumes one retry from policy.
func (c *Cache) nextAttempt(policy backoff.BackOff) (time.Duration, error) {
	delay := policy.NextBackOff()
	if delay == backoff.Stop {
		c.logger.Warn("giving up", zap.Int("max_attempts", c.cfg.MaxAttempts))

		return 0, ewrap.Wrapf(sentinel.ErrRetriesExhausted, "%d attempts on %s/%s", c.cfg.MaxAttempts, c.cfg.CollectionID, c.cfg.Key)
	}

	return delay, nil
}

func wait(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Whitelisted returns the names of live that the whitelist exposes, for merging a single
// twin's names with UpdateList.
func (c *Cache) Whitelisted(live DeviceTwinName) DevicePropertyServiceModel {
	model := DevicePropertyServiceModel{
		Tags:     append(filterExact(live.Tags, c.whitelist.Tags), filterByPrefix(live.Tags, c.whitelist.TagPrefixes)...),
		Reported: append(filterExact(live.ReportedProperties, c.whitelist.Reported), filterByPrefix(live.ReportedProperties, c.whitelist.ReportedPrefixes)...),
	}
	model.normalize()

	return model
}
