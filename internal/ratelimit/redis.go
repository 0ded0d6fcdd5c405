package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed reserve.lua
var reserveLuaScript string

// Redis keeps one sorted set and one marker key per (user, ad unit). The
// hash tag keeps both on the same cluster slot.
type Redis struct {
	redisClient *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{redisClient: rdb}
}

func keys(userID, adUnitID string) (window, last string) {
	tag := fmt.Sprintf("{%s:%s}", userID, adUnitID)
	return "rl:" + tag + ":window", "rl:" + tag + ":last"
}

func (r *Redis) CheckAndReserve(ctx context.Context, req Request) (Decision, error) {
	if err := validate(req); err != nil {
		return Decision{}, err
	}
	windowKey, lastKey := keys(req.UserID, req.AdUnitID)
	args := []interface{}{
		req.Now.UnixMilli(),
		req.Cooldown.Milliseconds(),
		req.DailyCap,
		Window.Milliseconds(),
		req.SessionID,
	}

	result, err := r.redisClient.Eval(ctx, reserveLuaScript, []string{windowKey, lastKey}, args...).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("error executing reserve script: %w", err)
	}

	resArray, ok := result.([]interface{})
	if !ok || len(resArray) < 2 {
		return Decision{}, errors.New("unexpected response format from Redis")
	}
	statusCode, ok1 := resArray[0].(int64)
	value, ok2 := resArray[1].(int64)
	if !ok1 || !ok2 {
		return Decision{}, errors.New("unexpected response format from Redis")
	}

	switch statusCode {
	case 1:
		return Decision{Allowed: true, Count: int(value)}, nil
	case -1:
		return Decision{Reason: ReasonCooldown, RetryAfter: time.Duration(value) * time.Millisecond}, nil
	case -2:
		return Decision{Reason: ReasonDailyCap, RetryAfter: time.Duration(value) * time.Millisecond}, nil
	default:
		return Decision{}, fmt.Errorf("unknown status from Lua: %d", statusCode)
	}
}

func (r *Redis) Release(ctx context.Context, req Request) error {
	if err := validate(req); err != nil {
		return err
	}
	windowKey, _ := keys(req.UserID, req.AdUnitID)
	if err := r.redisClient.ZRem(ctx, windowKey, req.SessionID).Err(); err != nil {
		return fmt.Errorf("release reservation %s: %w", req.SessionID, err)
	}
	return nil
}
