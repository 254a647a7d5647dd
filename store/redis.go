package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warden-proxy/warden/httpmsg"
	"github.com/warden-proxy/warden/policy"
)

// Key layout, shared with the review control plane:
//
//	request:<id>   hash: method, target, proto, scheme, host, port,
//	               headers (JSON pairs), body (base64), received_at,
//	               client_addr, status, edited (JSON), and the
//	               response_* fields once the origin answered
//	pending_requests  list of ids, append-only in request-id order
//	mode           "intercept" | "filter"
//	domains        list of domain patterns
//	keywords       list of keyword substrings
const (
	requestKeyPrefix = "request:"
	pendingKey       = "pending_requests"
	modeKey          = "mode"
	domainsKey       = "domains"
	keywordsKey      = "keywords"

	recordTTL    = time.Hour
	pollInterval = 250 * time.Millisecond
)

// RedisConfig carries the connection parameters for the backing Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Logger   *zap.Logger
}

// RedisStore implements Store over a Redis instance. Verdicts are
// observed by polling the record status, the way the original control
// plane consumes them; the handler contract is identical either way.
type RedisStore struct {
	client *redis.Client
	log    *zap.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedis connects and pings the configured Redis instance.
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &RedisStore{client: client, log: logger}, nil
}

func requestKey(id string) string {
	return requestKeyPrefix + id
}

func (s *RedisStore) PublishPending(ctx context.Context, req *httpmsg.Request) error {
	headers, err := json.Marshal(headersToPairs(req.Header))
	if err != nil {
		return err
	}
	record := map[string]interface{}{
		"method":      req.Method,
		"target":      req.Target,
		"proto":       req.Proto,
		"scheme":      req.Scheme,
		"host":        req.Host,
		"port":        strconv.Itoa(req.Port),
		"headers":     string(headers),
		"body":        base64.StdEncoding.EncodeToString(req.Body),
		"received_at": req.ReceivedAt.Format(time.RFC3339Nano),
		"client_addr": req.ClientAddr,
		"status":      StatePending,
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, requestKey(req.ID), record)
		pipe.RPush(ctx, pendingKey, req.ID)
		pipe.Expire(ctx, requestKey(req.ID), recordTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.log.Debug("published pending request", zap.String("id", req.ID), zap.String("host", req.Host))
	return nil
}

func (s *RedisStore) AwaitVerdict(ctx context.Context, id string, timeout time.Duration) (Verdict, error) {
	if timeout <= 0 {
		return Verdict{}, ErrTimedOut
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		v, done, err := s.pollVerdict(ctx, id)
		if err != nil {
			return Verdict{}, err
		}
		if done {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return Verdict{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-deadline.C:
			return Verdict{}, ErrTimedOut
		case <-tick.C:
		}
	}
}

func (s *RedisStore) pollVerdict(ctx context.Context, id string) (Verdict, bool, error) {
	status, err := s.client.HGet(ctx, requestKey(id), "status").Result()
	if err == redis.Nil {
		return Verdict{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Verdict{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch status {
	case StatePending:
		return Verdict{}, false, nil
	case StateAllowed:
		return Verdict{Action: ActionAllow}, true, nil
	case StateBlocked:
		return Verdict{Action: ActionBlock}, true, nil
	case StateEdited:
		raw, err := s.client.HGet(ctx, requestKey(id), "edited").Result()
		if err != nil && err != redis.Nil {
			return Verdict{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var edited EditedRequest
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &edited); err != nil {
				return Verdict{}, false, fmt.Errorf("store: bad edited payload for %s: %w", id, err)
			}
		}
		return Verdict{Action: ActionAllowEdited, Edited: &edited}, true, nil
	case StateCancelled:
		return Verdict{}, false, fmt.Errorf("%w: item cancelled", ErrCancelled)
	default:
		return Verdict{}, false, fmt.Errorf("store: unknown status %q for %s", status, id)
	}
}

func (s *RedisStore) Cancel(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, requestKey(id), "status", StateCancelled)
		pipe.LRem(ctx, pendingKey, 0, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) PublishResponse(ctx context.Context, id string, resp *httpmsg.Response) error {
	headers, err := json.Marshal(headersToPairs(resp.Header))
	if err != nil {
		return err
	}
	record := map[string]interface{}{
		"response_proto":       resp.Proto,
		"response_status":      strconv.Itoa(resp.StatusCode),
		"response_reason":      resp.Reason,
		"response_headers":     string(headers),
		"response_body":        base64.StdEncoding.EncodeToString(resp.Body),
		"response_received_at": resp.ReceivedAt.Format(time.RFC3339Nano),
	}
	if err := s.client.HSet(ctx, requestKey(id), record).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) AwaitResponseVerdict(ctx context.Context, id string, timeout time.Duration) (ResponseVerdict, error) {
	if timeout <= 0 {
		return ResponseVerdict{}, ErrTimedOut
	}
	// flag the record so the control plane knows a response awaits review
	if err := s.client.HSetNX(ctx, requestKey(id), "response_review", StatePending).Err(); err != nil {
		return ResponseVerdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		v, done, err := s.pollResponseVerdict(ctx, id)
		if err != nil {
			return ResponseVerdict{}, err
		}
		if done {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return ResponseVerdict{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-deadline.C:
			return ResponseVerdict{}, ErrTimedOut
		case <-tick.C:
		}
	}
}

func (s *RedisStore) pollResponseVerdict(ctx context.Context, id string) (ResponseVerdict, bool, error) {
	status, err := s.client.HGet(ctx, requestKey(id), "response_review").Result()
	if err == redis.Nil {
		return ResponseVerdict{}, false, nil
	}
	if err != nil {
		return ResponseVerdict{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch status {
	case StatePending:
		return ResponseVerdict{}, false, nil
	case StateAllowed:
		return ResponseVerdict{Action: ActionAllow}, true, nil
	case StateBlocked:
		return ResponseVerdict{Action: ActionBlock}, true, nil
	case StateEdited:
		raw, err := s.client.HGet(ctx, requestKey(id), "response_edited").Result()
		if err != nil && err != redis.Nil {
			return ResponseVerdict{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var edited EditedResponse
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &edited); err != nil {
				return ResponseVerdict{}, false, fmt.Errorf("store: bad edited response for %s: %w", id, err)
			}
		}
		return ResponseVerdict{Action: ActionAllowEdited, Edited: &edited}, true, nil
	default:
		return ResponseVerdict{}, false, fmt.Errorf("store: unknown response status %q for %s", status, id)
	}
}

func (s *RedisStore) PolicyMode(ctx context.Context) (policy.Mode, error) {
	raw, err := s.client.Get(ctx, modeKey).Result()
	if err == redis.Nil {
		return policy.ModeIntercept, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch policy.Mode(raw) {
	case policy.ModeFilter:
		return policy.ModeFilter, nil
	default:
		return policy.ModeIntercept, nil
	}
}

func (s *RedisStore) Blocklists(ctx context.Context) (policy.Blocklists, error) {
	var domains, keywords *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		domains = pipe.LRange(ctx, domainsKey, 0, -1)
		keywords = pipe.LRange(ctx, keywordsKey, 0, -1)
		return nil
	})
	if err != nil {
		return policy.Blocklists{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return policy.Blocklists{
		Domains:  domains.Val(),
		Keywords: keywords.Val(),
	}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
