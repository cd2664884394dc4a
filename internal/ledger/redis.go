package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/adpay-gateway/internal/payment"
)

// recordScript stores the new entry unless the stored status is terminal or
// identical. KEYS[1]=entry, ARGV[1]=incoming status, ARGV[2]=entry json,
// ARGV[3]=ttl seconds. Returns {outcome, kept status}.
var recordScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "status")
local incoming = ARGV[1]
if current then
  if current == incoming then
    return {"unchanged", current}
  end
  if current ~= "PENDING" then
    return {"rejected", current}
  end
end
redis.call("HSET", KEYS[1], "status", incoming, "entry", ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl and ttl > 0 then
  redis.call("EXPIRE", KEYS[1], ttl)
end
return {"applied", incoming}
`)

// Redis is a Recorder whose check-and-set runs atomically inside Redis, so
// concurrent webhook and poll deliveries cannot overwrite a terminal status.
type Redis struct {
	client redis.Scripter
	reader redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedis constructs a Redis-backed ledger. Entries expire after ttl when it is positive.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "ledger:"
	}
	return &Redis{client: client, reader: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(provider, paymentID string) string {
	return r.prefix + entryKey(provider, paymentID)
}

func (r *Redis) Record(ctx context.Context, t payment.Transition) (payment.Status, payment.RecordOutcome, error) {
	if err := validate(t); err != nil {
		return "", "", err
	}
	entry, err := json.Marshal(t)
	if err != nil {
		return "", "", fmt.Errorf("ledger: encode transition: %w", err)
	}
	res, err := recordScript.Run(ctx, r.client, []string{r.key(t.Provider, t.PaymentID)},
		string(t.Status), string(entry), int64(r.ttl/time.Second)).StringSlice()
	if err != nil {
		return "", "", fmt.Errorf("ledger: record: %w", err)
	}
	if len(res) != 2 {
		return "", "", errors.New("ledger: unexpected script reply")
	}
	return payment.ParseStatus(res[1]), payment.RecordOutcome(res[0]), nil
}

// Get returns the stored transition for a payment.
func (r *Redis) Get(ctx context.Context, provider, paymentID string) (payment.Transition, bool, error) {
	raw, err := r.reader.HGet(ctx, r.key(provider, paymentID), "entry").Result()
	if errors.Is(err, redis.Nil) {
		return payment.Transition{}, false, nil
	}
	if err != nil {
		return payment.Transition{}, false, fmt.Errorf("ledger: get: %w", err)
	}
	var t payment.Transition
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return payment.Transition{}, false, fmt.Errorf("ledger: decode: %w", err)
	}
	return t, true, nil
}
