// Package distsync mirrors the KeyStore into a shared Redis cache so that
// multiple PayGate instances converge on a consistent view of credits,
// quotas, and group policy (spec.md §4.7). It is optional: when disabled the
// gate debits purely locally.
//
// When the atomic debit script cannot reach the cache, Deduct debits the
// local keystore instead. Instances that fall back at the same time can each
// spend the same credits; every fallback is counted in
// paygate_distsync_fallback_total.
package distsync

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/config"
	"github.com/paygate-dev/paygate/internal/keystore"
	"github.com/paygate-dev/paygate/internal/metrics"
)

// Sync owns the Redis mirror, pub/sub subscriber, and atomic Lua scripts
// that back the gate's distributed Debiter implementation.
type Sync struct {
	client     *redis.Client
	keys       *keystore.Store
	groups     *keystore.GroupStore
	prefix     string
	instanceID string
	syncEvery  time.Duration

	metrics *metrics.Metrics
	logger  zerolog.Logger

	tokenRevoked TokenRevocationHandler

	stop chan struct{}
	done chan struct{}
}

// New constructs a Sync from DistSyncConfig. Callers must check cfg.Enabled
// before wiring it in; New itself does not gate on it.
func New(cfg config.DistSyncConfig, keys *keystore.Store, groups *keystore.GroupStore, m *metrics.Metrics, logger zerolog.Logger) (*Sync, error) {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "paygate"
	}
	syncEvery := cfg.SyncInterval.Duration
	if syncEvery <= 0 {
		syncEvery = 5 * time.Second
	}
	dialTimeout := cfg.DialTimeout.Duration
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = dialTimeout
	client := redis.NewClient(opts)

	return &Sync{
		client:     client,
		keys:       keys,
		groups:     groups,
		prefix:     prefix,
		instanceID: uuid.NewString(),
		syncEvery:  syncEvery,
		metrics:    m,
		logger:     logger.With().Str("component", "distsync").Logger(),
	}, nil
}

func (s *Sync) keysSetKey() string       { return s.prefix + ":keys" }
func (s *Sync) recordKey(fp string) string { return s.prefix + ":key:" + fp }
func (s *Sync) eventsChannel() string    { return s.prefix + ":events" }

// Bootstrap pings the cache, then either pushes the local store up (if the
// cache's key set is empty) or pulls every hash down and merges it into the
// local store without evicting anything the remote doesn't know about.
func (s *Sync) Bootstrap(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return err
	}

	remoteFps, err := s.client.SMembers(ctx, s.keysSetKey()).Result()
	if err != nil {
		return err
	}

	if len(remoteFps) == 0 {
		return s.pushAllLocked(ctx)
	}
	return s.pullAll(ctx, remoteFps)
}

func (s *Sync) pushAllLocked(ctx context.Context) error {
	records := s.keys.ExportKeys("")
	pipe := s.client.Pipeline()
	for _, rec := range records {
		hash := recordToHash(rec)
		pipe.HSet(ctx, s.recordKey(rec.Fingerprint), hash)
		pipe.SAdd(ctx, s.keysSetKey(), rec.Fingerprint)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Sync) pullAll(ctx context.Context, fps []string) error {
	for _, fp := range fps {
		if err := s.pullOne(ctx, fp); err != nil {
			s.logger.Warn().Err(err).Str("fingerprint", fp).Msg("distsync.pull_failed")
		}
	}
	return nil
}

func (s *Sync) pullOne(ctx context.Context, fp string) error {
	hash, err := s.client.HGetAll(ctx, s.recordKey(fp)).Result()
	if err != nil {
		return err
	}
	if len(hash) == 0 {
		return nil
	}
	rec := hashToRecord(fp, hash)
	s.keys.ApplyRemote(rec)
	return nil
}

// Start launches the background refresh loop and the event subscriber.
func (s *Sync) Start(ctx context.Context) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx)
	go s.subscribe(ctx)
}

// Close stops the background loop and closes the Redis client.
func (s *Sync) Close() error {
	if s.stop != nil {
		close(s.stop)
		<-s.done
	}
	return s.client.Close()
}

func (s *Sync) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.syncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			fps, err := s.client.SMembers(ctx, s.keysSetKey()).Result()
			if err != nil {
				s.logger.Warn().Err(err).Msg("distsync.refresh_failed")
				continue
			}
			_ = s.pullAll(ctx, fps)
		}
	}
}

func (s *Sync) subscribe(ctx context.Context) {
	sub := s.client.Subscribe(ctx, s.eventsChannel())
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-s.stop:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleEvent(ctx, msg.Payload)
		}
	}
}

func recordToHash(rec keystore.Record) map[string]interface{} {
	return map[string]interface{}{
		"name":       rec.Name,
		"namespace":  rec.Namespace,
		"group":      rec.Group,
		"credits":    strconv.FormatInt(rec.Credits, 10),
		"totalSpent": strconv.FormatInt(rec.TotalSpent, 10),
		"totalCalls": strconv.FormatInt(rec.TotalCalls, 10),
		"active":     boolToStr(rec.Active),
		"suspended":  boolToStr(rec.Suspended),
	}
}

func hashToRecord(fp string, hash map[string]string) keystore.Record {
	rec := keystore.Record{Fingerprint: fp}
	rec.Name = hash["name"]
	rec.Namespace = hash["namespace"]
	rec.Group = hash["group"]
	rec.Credits = parseInt64(hash["credits"])
	rec.TotalSpent = parseInt64(hash["totalSpent"])
	rec.TotalCalls = parseInt64(hash["totalCalls"])
	rec.Active = hash["active"] == "1"
	rec.Suspended = hash["suspended"] == "1"
	return rec
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
