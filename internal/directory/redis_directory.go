package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-sync-relay/internal/config"
	"github.com/weiawesome/wes-sync-relay/internal/domain"
	"github.com/weiawesome/wes-sync-relay/pkg/log"
)

type RedisDirectory struct {
	client            *redis.Client
	instance          string
	prefix            string
	keyTTL            time.Duration
	heartbeatInterval time.Duration

	mu      sync.RWMutex
	managed map[string]*Entry // key -> last written entry
	cancel  context.CancelFunc
}

func NewRedisDirectory(cfg config.RedisConfig, instance string) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisDirectory{
		client:            client,
		instance:          instance,
		prefix:            cfg.KeyPrefix,
		keyTTL:            cfg.KeyTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		managed:           make(map[string]*Entry),
	}, nil
}

// keyFor is scoped by instance so relays hosting the same room id keep
// separate entries.
func (d *RedisDirectory) keyFor(roomID string) string {
	return fmt.Sprintf("%s:room:%s:%s", d.prefix, roomID, d.instance)
}

func (d *RedisDirectory) roomPattern(roomID string) string {
	return fmt.Sprintf("%s:room:%s:*", globEscaper.Replace(d.prefix), globEscaper.Replace(roomID))
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// OnRoomEvent mirrors a membership change into Redis. Failures are logged;
// the relay keeps serving the room either way.
func (d *RedisDirectory) OnRoomEvent(ctx context.Context, ev domain.RoomEvent) {
	var err error
	switch ev.Type {
	case domain.RoomDeleted:
		err = d.remove(ctx, ev.RoomID)
	case domain.MemberJoined, domain.MemberLeft:
		if ev.Members > 0 {
			err = d.put(ctx, &Entry{RoomID: ev.RoomID, Instance: d.instance, Members: ev.Members})
		}
	}
	if err != nil {
		l := log.L()
		l.Error().Err(err).Str(log.FieldRoomID, ev.RoomID).Str("event", string(ev.Type)).Msg("failed to update room directory")
	}
}

func (d *RedisDirectory) put(ctx context.Context, e *Entry) error {
	key := d.keyFor(e.RoomID)
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := d.client.Set(ctx, key, body, d.keyTTL).Err(); err != nil {
		return fmt.Errorf("failed to publish room: %w", err)
	}

	d.mu.Lock()
	d.managed[key] = e
	d.mu.Unlock()
	return nil
}

func (d *RedisDirectory) remove(ctx context.Context, roomID string) error {
	key := d.keyFor(roomID)

	d.mu.Lock()
	delete(d.managed, key)
	d.mu.Unlock()

	if err := d.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to remove room: %w", err)
	}
	return nil
}

func (d *RedisDirectory) Lookup(ctx context.Context, roomID string) ([]Entry, error) {
	var keys []string
	iter := d.client.Scan(ctx, 0, d.roomPattern(roomID), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan rooms: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s: %w", roomID, ErrNotFound)
	}

	vals, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to lookup room: %w", err)
	}

	entries := make([]Entry, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			l := log.L()
			l.Warn().Err(err).Str("key", keys[i]).Msg("skipping corrupt directory entry")
			continue
		}
		// A room id containing ':' can match another room's pattern.
		if e.RoomID != roomID {
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: %w", roomID, ErrNotFound)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Instance < entries[j].Instance })
	return entries, nil
}

// StartHeartbeat keeps the TTL of every hosted room fresh until ctx ends
// or Close is called. Entries of a crashed instance expire on their own.
func (d *RedisDirectory) StartHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.heartbeatLoop(ctx)
	l := log.L()
	l.Info().Dur("interval", d.heartbeatInterval).Dur("ttl", d.keyTTL).Msg("room directory heartbeat started")
	return nil
}

func (d *RedisDirectory) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		}
	}
}

func (d *RedisDirectory) refresh(ctx context.Context) {
	d.mu.RLock()
	keys := make([]string, 0, len(d.managed))
	for k := range d.managed {
		keys = append(keys, k)
	}
	d.mu.RUnlock()

	if len(keys) == 0 {
		return
	}

	pipe := d.client.Pipeline()
	for _, key := range keys {
		pipe.Expire(ctx, key, d.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l := log.L()
		l.Error().Err(err).Int("keys", len(keys)).Msg("failed to refresh room directory")
	}
}

// Close stops the heartbeat and withdraws every room this instance
// published.
func (d *RedisDirectory) Close() error {
	if d.cancel != nil {
		d.cancel()
	}

	d.mu.Lock()
	keys := make([]string, 0, len(d.managed))
	for k := range d.managed {
		keys = append(keys, k)
	}
	d.managed = make(map[string]*Entry)
	d.mu.Unlock()

	if len(keys) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.client.Del(ctx, keys...).Err(); err != nil {
			l := log.L()
			l.Warn().Err(err).Msg("failed to withdraw rooms on close")
		}
	}
	return d.client.Close()
}
