package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/adpay-gateway/internal/common"
)

// Guard allows at most one in-flight invoice creation per purchase intent and
// hands a recently created invoice back to retried identical requests.
type Guard struct {
	client      *redis.Client
	prefix      string
	inflightTTL time.Duration
	reuseTTL    time.Duration
}

// NewGuard constructs a Redis-backed invoice guard.
func NewGuard(client *redis.Client, inflightTTL, reuseTTL time.Duration) *Guard {
	if inflightTTL <= 0 {
		inflightTTL = PaymentCallTimeout + 5*time.Second
	}
	if reuseTTL <= 0 {
		reuseTTL = 15 * time.Minute
	}
	return &Guard{client: client, prefix: "invoice:", inflightTTL: inflightTTL, reuseTTL: reuseTTL}
}

// Fingerprint identifies a purchase intent. Amounts are normalised so 150 and
// 150.00 collide.
func Fingerprint(req InvoiceRequest) string {
	intent := strings.TrimSpace(req.IntentKey)
	if intent == "" {
		intent = strings.TrimSpace(req.Description)
	}
	return common.Sha256Hex(fmt.Sprintf("%d|%s|%s|%s", req.UserID, req.Currency, req.Amount.StringFixed(8), intent))
}

// Acquire claims fp. A previously stored result is returned instead when one
// exists; acquired is false when another creation for fp is still running.
func (g *Guard) Acquire(ctx context.Context, fp string) (cached *PaymentResult, acquired bool, err error) {
	raw, err := g.client.Get(ctx, g.prefix+"done:"+fp).Bytes()
	switch {
	case err == nil:
		var res PaymentResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, false, fmt.Errorf("guard: decode cached invoice: %w", err)
		}
		return &res, false, nil
	case !errors.Is(err, redis.Nil):
		return nil, false, fmt.Errorf("guard: lookup: %w", err)
	}
	ok, err := g.client.SetNX(ctx, g.prefix+"inflight:"+fp, "1", g.inflightTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("guard: claim: %w", err)
	}
	return nil, ok, nil
}

// Release stores a successful result for reuse and frees the in-flight claim.
func (g *Guard) Release(ctx context.Context, fp string, res PaymentResult) error {
	pipe := g.client.TxPipeline()
	if res.Success {
		raw, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("guard: encode invoice: %w", err)
		}
		pipe.Set(ctx, g.prefix+"done:"+fp, raw, g.reuseTTL)
	}
	pipe.Del(ctx, g.prefix+"inflight:"+fp)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("guard: release: %w", err)
	}
	return nil
}
