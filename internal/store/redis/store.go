// Package redis implements the capture job store on a Redis backend.
// Queue and ongoing registries are sorted sets; the claim path runs as a
// Lua script so that capacity and hand-off stay atomic across processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caplake/caplake/internal/capture"
)

const (
	keyQueue    = "caplake:queue"
	keyQueueSeq = "caplake:queue:seq"
	keyOngoing  = "caplake:ongoing"
	keyCancel   = "caplake:cancel"

	jobPrefix    = "caplake:jobs:"
	resultPrefix = "caplake:results:"
	statsPrefix  = "caplake:stats:"
)

// priorityScale shifts the priority into the high bits of the queue
// score, leaving the low 32 bits for the FIFO sequence number.
const priorityScale = float64(1 << 32)

// enqueueScript stores the job payload and queues it in one step.
// KEYS: job key, queue, seq counter. ARGV: payload, priority, job id.
var enqueueScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
local seq = redis.call('INCR', KEYS[3])
local score = tonumber(ARGV[2]) * 4294967296 - seq
redis.call('ZADD', KEYS[2], score, ARGV[3])
return 1
`)

// claimScript pops the best queued job and registers it as ongoing,
// refusing when the ongoing registry is at capacity. KEYS: queue,
// ongoing. ARGV: capacity, start time (unix seconds).
var claimScript = redis.NewScript(`
if redis.call('ZCARD', KEYS[2]) >= tonumber(ARGV[1]) then
  return nil
end
local popped = redis.call('ZPOPMAX', KEYS[1])
if #popped == 0 then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[2], popped[1])
return popped[1]
`)

// requeueScript moves an ongoing job back to the queue. KEYS: ongoing,
// queue, seq counter. ARGV: job id, priority.
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local seq = redis.call('INCR', KEYS[3])
local score = tonumber(ARGV[2]) * 4294967296 - seq
redis.call('ZADD', KEYS[2], score, ARGV[1])
return 1
`)

// Options configures the Redis store connection and retention.
type Options struct {
	// Addr is a TCP host:port. When empty, Socket is used instead.
	Addr       string
	Socket     string
	DB         int
	ResultsTTL time.Duration
	StatsTTL   time.Duration
}

// Store implements capture.Store and capture.Admin.
type Store struct {
	rdb        *redis.Client
	logger     *zap.Logger
	clock      capture.Clock
	resultsTTL time.Duration
	statsTTL   time.Duration
}

// NewClient builds a lazy client for the configured transport. No
// connection is made until the first command, so callers can hold a
// client for a backend that is not running yet.
func NewClient(opts Options) *redis.Client {
	redisOpts := &redis.Options{DB: opts.DB}
	if opts.Addr != "" {
		redisOpts.Network = "tcp"
		redisOpts.Addr = opts.Addr
	} else {
		redisOpts.Network = "unix"
		redisOpts.Addr = opts.Socket
	}
	return redis.NewClient(redisOpts)
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, logger *zap.Logger, clk capture.Clock, opts Options) (*Store, error) {
	rdb := NewClient(opts)
	s := &Store{
		rdb:        rdb,
		logger:     logger.Named("store"),
		clock:      clk,
		resultsTTL: opts.ResultsTTL,
		statsTTL:   opts.StatsTTL,
	}
	if err := s.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return s, nil
}

// NewFromClient wraps an existing client. Mainly used by tests and the
// lifecycle controller, which needs a client before the server is up.
func NewFromClient(rdb *redis.Client, logger *zap.Logger, clk capture.Clock, resultsTTL, statsTTL time.Duration) *Store {
	return &Store{
		rdb:        rdb,
		logger:     logger.Named("store"),
		clock:      clk,
		resultsTTL: resultsTTL,
		statsTTL:   statsTTL,
	}
}

// Enqueue persists the job and adds it to the waiting queue.
func (s *Store) Enqueue(ctx context.Context, job capture.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	keys := []string{jobPrefix + job.ID, keyQueue, keyQueueSeq}
	if err := enqueueScript.Run(ctx, s.rdb, keys, payload, job.Priority, job.ID).Err(); err != nil {
		return s.wrap("enqueue", err)
	}
	return nil
}

// ClaimNext atomically pops the highest-priority queued job and registers
// it as ongoing. ok is false when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context, capacity int) (capture.Job, bool, error) {
	now := timeScore(s.clock.Now())
	keys := []string{keyQueue, keyOngoing}
	id, err := claimScript.Run(ctx, s.rdb, keys, capacity, now).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return capture.Job{}, false, nil
		}
		return capture.Job{}, false, s.wrap("claim next", err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, capture.ErrNotFound) {
			// Queue entry without a payload: drop the orphan claim.
			s.logger.Warn("claimed job has no stored payload, discarding",
				zap.String("job_id", id))
			if _, clearErr := s.ClearOngoing(ctx, id); clearErr != nil {
				return capture.Job{}, false, clearErr
			}
			return capture.Job{}, false, nil
		}
		return capture.Job{}, false, err
	}
	return job, true, nil
}

// MarkOngoing registers a job as ongoing at the given start time.
func (s *Store) MarkOngoing(ctx context.Context, jobID string, startedAt time.Time) error {
	member := redis.Z{Score: timeScore(startedAt), Member: jobID}
	if err := s.rdb.ZAdd(ctx, keyOngoing, member).Err(); err != nil {
		return s.wrap("mark ongoing", err)
	}
	return nil
}

// ClearOngoing removes the job from the ongoing registry.
func (s *Store) ClearOngoing(ctx context.Context, jobID string) (bool, error) {
	removed, err := s.rdb.ZRem(ctx, keyOngoing, jobID).Result()
	if err != nil {
		return false, s.wrap("clear ongoing", err)
	}
	return removed > 0, nil
}

// Requeue moves an ongoing job back to the waiting queue, behind other
// jobs of its priority tier.
func (s *Store) Requeue(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	keys := []string{keyOngoing, keyQueue, keyQueueSeq}
	moved, err := requeueScript.Run(ctx, s.rdb, keys, jobID, job.Priority).Int64()
	if err != nil {
		return s.wrap("requeue", err)
	}
	if moved == 0 {
		s.logger.Debug("requeue skipped, job no longer ongoing", zap.String("job_id", jobID))
	}
	return nil
}

// WriteResult persists the terminal result and lets the job record age
// out with it. Any pending cancellation flag is discarded.
func (s *Store) WriteResult(ctx context.Context, result capture.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", result.JobID, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, resultPrefix+result.JobID, payload, s.resultsTTL)
		if s.resultsTTL > 0 {
			pipe.Expire(ctx, jobPrefix+result.JobID, s.resultsTTL)
		}
		pipe.SRem(ctx, keyCancel, result.JobID)
		return nil
	})
	if err != nil {
		return s.wrap("write result", err)
	}
	return nil
}

// ReadResult loads the result for a job. ok is false while unresolved.
func (s *Store) ReadResult(ctx context.Context, jobID string) (capture.Result, bool, error) {
	payload, err := s.rdb.Get(ctx, resultPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return capture.Result{}, false, nil
		}
		return capture.Result{}, false, s.wrap("read result", err)
	}
	var result capture.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return capture.Result{}, false, fmt.Errorf("unmarshal result %s: %w", jobID, err)
	}
	return result, true, nil
}

// GetJob loads a job record or returns capture.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, jobID string) (capture.Job, error) {
	payload, err := s.rdb.Get(ctx, jobPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return capture.Job{}, fmt.Errorf("job %s: %w", jobID, capture.ErrNotFound)
		}
		return capture.Job{}, s.wrap("get job", err)
	}
	var job capture.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return capture.Job{}, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return job, nil
}

// State derives the coarse lifecycle state for a job.
func (s *Store) State(ctx context.Context, jobID string) (capture.JobState, error) {
	var (
		resultExists *redis.IntCmd
		ongoingScore *redis.FloatCmd
		queuedScore  *redis.FloatCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		resultExists = pipe.Exists(ctx, resultPrefix+jobID)
		ongoingScore = pipe.ZScore(ctx, keyOngoing, jobID)
		queuedScore = pipe.ZScore(ctx, keyQueue, jobID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return capture.StateUnknown, s.wrap("job state", err)
	}
	switch {
	case resultExists.Val() > 0:
		return capture.StateDone, nil
	case ongoingScore.Err() == nil:
		return capture.StateOngoing, nil
	case queuedScore.Err() == nil:
		return capture.StateQueued, nil
	default:
		return capture.StateUnknown, nil
	}
}

// ListOngoing returns ongoing entries ordered oldest first.
func (s *Store) ListOngoing(ctx context.Context) ([]capture.OngoingEntry, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, keyOngoing, 0, -1).Result()
	if err != nil {
		return nil, s.wrap("list ongoing", err)
	}
	entries := make([]capture.OngoingEntry, 0, len(members))
	for _, m := range members {
		id, ok := m.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, capture.OngoingEntry{
			JobID:     id,
			StartedAt: scoreTime(m.Score),
		})
	}
	return entries, nil
}

// OngoingCount returns the size of the ongoing registry.
func (s *Store) OngoingCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, keyOngoing).Result()
	if err != nil {
		return 0, s.wrap("ongoing count", err)
	}
	return n, nil
}

// ListQueued returns waiting jobs, best claim candidate first.
func (s *Store) ListQueued(ctx context.Context) ([]capture.QueuedEntry, error) {
	members, err := s.rdb.ZRevRangeWithScores(ctx, keyQueue, 0, -1).Result()
	if err != nil {
		return nil, s.wrap("list queued", err)
	}
	entries := make([]capture.QueuedEntry, 0, len(members))
	for _, m := range members {
		id, ok := m.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, capture.QueuedEntry{
			JobID:    id,
			Priority: priorityFromScore(m.Score),
		})
	}
	return entries, nil
}

// QueuedCount returns the number of waiting jobs.
func (s *Store) QueuedCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, keyQueue).Result()
	if err != nil {
		return 0, s.wrap("queued count", err)
	}
	return n, nil
}

// RequestCancel flags a job for cancellation wherever it currently is.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	if err := s.rdb.SAdd(ctx, keyCancel, jobID).Err(); err != nil {
		return s.wrap("request cancel", err)
	}
	return nil
}

// ConsumeCancel atomically checks and clears a pending cancellation.
func (s *Store) ConsumeCancel(ctx context.Context, jobID string) (bool, error) {
	removed, err := s.rdb.SRem(ctx, keyCancel, jobID).Result()
	if err != nil {
		return false, s.wrap("consume cancel", err)
	}
	return removed > 0, nil
}

// IncrDailyStat bumps one daily counter field.
func (s *Store) IncrDailyStat(ctx context.Context, day time.Time, field string) error {
	key := statsPrefix + day.Format("20060102")
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, field, 1)
		if s.statsTTL > 0 {
			pipe.ExpireNX(ctx, key, s.statsTTL)
		}
		return nil
	})
	if err != nil {
		return s.wrap("incr daily stat", err)
	}
	return nil
}

// DailyStats returns the counters recorded for the given day.
func (s *Store) DailyStats(ctx context.Context, day time.Time) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, statsPrefix+day.Format("20060102")).Result()
	if err != nil {
		return nil, s.wrap("daily stats", err)
	}
	stats := make(map[string]int64, len(raw))
	for field, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		stats[field] = n
	}
	return stats, nil
}

// Ping reports store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

// DBInfo reports key count and resident memory. Memory is best effort:
// a backend without the memory INFO section reports zero.
func (s *Store) DBInfo(ctx context.Context) (capture.DBInfo, error) {
	keys, err := s.rdb.DBSize(ctx).Result()
	if err != nil {
		return capture.DBInfo{}, s.wrap("db info", err)
	}
	info := capture.DBInfo{Keys: keys}
	raw, err := s.rdb.Info(ctx, "memory").Result()
	if err != nil {
		s.logger.Debug("memory info unavailable", zap.Error(err))
		return info, nil
	}
	info.MemoryBytes = parseMemoryRSS(raw)
	return info, nil
}

// Shutdown asks the backend to persist and exit. The server closes the
// connection instead of replying, so a dropped connection is success.
func (s *Store) Shutdown(ctx context.Context) error {
	err := s.rdb.ShutdownSave(ctx).Err()
	if err == nil || errors.Is(err, io.EOF) || isConnClosed(err) {
		return nil
	}
	return s.wrap("shutdown", err)
}

// Close releases the client connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, capture.ErrStoreUnavailable, err)
}

func timeScore(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func scoreTime(score float64) time.Time {
	sec, frac := math.Modf(score)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}

func priorityFromScore(score float64) int {
	return int(math.Ceil(score / priorityScale))
}

func parseMemoryRSS(info string) int64 {
	for _, line := range strings.Split(info, "\n") {
		if rest, ok := strings.CutPrefix(line, "used_memory_rss:"); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func isConnClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "closed")
}
