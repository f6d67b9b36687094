package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the typed wrapper over Redis for transient pipeline state: camera
// state hashes, cooldown marks, per-camera scene-memory sorted sets and the
// pending frame-request side table.
type Store struct {
	client *redis.Client
}

func NewStore(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing client. Used by tests with miniredis.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func stateKey(cameraID string) string   { return fmt.Sprintf("camera:%s:state", cameraID) }
func requestKey(cameraID string) string { return fmt.Sprintf("camera:%s:last_request", cameraID) }
func sceneKey(cameraID string) string   { return fmt.Sprintf("camera:%s:scene_memory", cameraID) }

func requestEventKey(requestID string) string {
	return fmt.Sprintf("frame_request:%s:event_id", requestID)
}
func requestMetadataKey(requestID string) string {
	return fmt.Sprintf("frame_request:%s:metadata", requestID)
}

// SetCameraState merges fields into the camera state hash and refreshes its
// TTL.
func (s *Store) SetCameraState(ctx context.Context, cameraID string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	key := stateKey(cameraID)
	flat := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, flat...)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// GetCameraState returns the state hash, or nil when the camera is unknown or
// its state has expired.
func (s *Store) GetCameraState(ctx context.Context, cameraID string) (map[string]string, error) {
	data, err := s.client.HGetAll(ctx, stateKey(cameraID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// ActiveCameras lists camera ids with a live state hash.
func (s *Store) ActiveCameras(ctx context.Context) ([]string, error) {
	var cameras []string
	iter := s.client.Scan(ctx, 0, "camera:*:state", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// camera:{id}:state
		if len(key) > len("camera:")+len(":state") {
			cameras = append(cameras, key[len("camera:"):len(key)-len(":state")])
		}
	}
	return cameras, iter.Err()
}

// CooldownActive reports whether the per-camera request cooldown mark exists.
func (s *Store) CooldownActive(ctx context.Context, cameraID string) (bool, error) {
	n, err := s.client.Exists(ctx, requestKey(cameraID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetCooldown places the cooldown mark. Presence suppresses further frame
// requests until it expires.
func (s *Store) SetCooldown(ctx context.Context, cameraID string, ttl time.Duration) error {
	return s.client.SetEx(ctx, requestKey(cameraID), "1", ttl).Err()
}

// AddSceneEntry inserts an entry scored by its timestamp, refreshes the set
// TTL and trims to the newest maxEntries. Old is removed first when the entry
// replaces an existing member (image merge re-writes), so a re-scored entry
// never duplicates.
func (s *Store) AddSceneEntry(ctx context.Context, cameraID string, timestampUS int64, entry []byte, old []byte, ttl time.Duration, maxEntries int) error {
	key := sceneKey(cameraID)

	pipe := s.client.Pipeline()
	if old != nil {
		pipe.ZRem(ctx, key, string(old))
	}
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(timestampUS), Member: string(entry)})
	pipe.Expire(ctx, key, ttl)
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-(maxEntries + 1)))
	_, err := pipe.Exec(ctx)
	return err
}

// SceneEntries returns up to limit raw entries in ascending timestamp order.
func (s *Store) SceneEntries(ctx context.Context, cameraID string, limit int) ([][]byte, error) {
	members, err := s.client.ZRange(ctx, sceneKey(cameraID), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(members))
	for i, m := range members {
		out[i] = []byte(m)
	}
	return out, nil
}

// PutFrameRequest persists the pending-request side table: the triggering
// event id and the trigger metadata, keyed by request id.
func (s *Store) PutFrameRequest(ctx context.Context, requestID string, eventID int64, metadata []byte, ttl time.Duration) error {
	pipe := s.client.Pipeline()
	pipe.SetEx(ctx, requestEventKey(requestID), strconv.FormatInt(eventID, 10), ttl)
	pipe.SetEx(ctx, requestMetadataKey(requestID), metadata, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// takeFrameRequestScript reads and deletes the side-table pair in one
// atomic step, so concurrent deliveries of the same request id cannot both
// observe the keys before either deletes them.
var takeFrameRequestScript = redis.NewScript(`
local event_id = redis.call("GET", KEYS[1])
if not event_id then
	return false
end
local metadata = redis.call("GET", KEYS[2]) or ""
redis.call("DEL", KEYS[1], KEYS[2])
return {event_id, metadata}
`)

// TakeFrameRequest consumes the side-table pair. ok is false when the entry
// expired or was already taken; that is not an error. At most one caller
// ever sees ok=true for a given request id.
func (s *Store) TakeFrameRequest(ctx context.Context, requestID string) (eventID int64, metadata []byte, ok bool, err error) {
	keys := []string{requestEventKey(requestID), requestMetadataKey(requestID)}

	res, err := takeFrameRequestScript.Run(ctx, s.client, keys).Result()
	if err == redis.Nil {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}

	vals, ok2 := res.([]interface{})
	if !ok2 || len(vals) != 2 {
		return 0, nil, false, fmt.Errorf("unexpected take reply: %v", res)
	}
	eventVal, _ := vals[0].(string)
	metaVal, _ := vals[1].(string)

	id, err := strconv.ParseInt(eventVal, 10, 64)
	if err != nil {
		return 0, nil, false, fmt.Errorf("corrupt event id %q: %w", eventVal, err)
	}
	return id, []byte(metaVal), true, nil
}

// Stats returns key counts for the stats façade.
func (s *Store) Stats(ctx context.Context) (map[string]any, error) {
	size, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return nil, err
	}
	return map[string]any{"total_keys": size}, nil
}
