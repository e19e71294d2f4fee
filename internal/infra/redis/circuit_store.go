package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/bjpl/resguardo/internal/core/domain"
)

// Circuit state is stored as a JSON blob per dependency and mutated only
// through compare-and-swap, so that across all process instances exactly
// one wins any contended transition (in particular the half-open probe).
var circuitCASScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then
  if ARGV[1] == '' then
    redis.call('SET', KEYS[1], ARGV[2])
    return 1
  end
  return 0
end
if cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

func circuitKey(dependencyID string) string {
	return fmt.Sprintf("cb:%s", dependencyID)
}

// LoadCircuit returns the stored circuit for dependencyID plus an opaque
// token for CompareAndSwapCircuit. A missing circuit returns a zero
// Circuit and an empty token.
func (c *Client) LoadCircuit(ctx context.Context, dependencyID string) (domain.Circuit, string, error) {
	raw, err := c.rdb.Get(ctx, circuitKey(dependencyID)).Result()
	if err == redis.Nil {
		return domain.Circuit{}, "", nil
	}
	if err != nil {
		return domain.Circuit{}, "", fmt.Errorf("get circuit failed: %w", err)
	}

	var circuit domain.Circuit
	if err := json.Unmarshal([]byte(raw), &circuit); err != nil {
		return domain.Circuit{}, "", fmt.Errorf("decode circuit failed: %w", err)
	}
	return circuit, raw, nil
}

// ListCircuits returns every stored circuit. Serves the ops surface;
// SCAN keeps it polite on shared keyspaces.
func (c *Client) ListCircuits(ctx context.Context) ([]domain.Circuit, error) {
	var circuits []domain.Circuit
	iter := c.rdb.Scan(ctx, 0, circuitKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := c.rdb.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("get circuit failed: %w", err)
		}
		var circuit domain.Circuit
		if err := json.Unmarshal([]byte(raw), &circuit); err != nil {
			return nil, fmt.Errorf("decode circuit failed: %w", err)
		}
		circuits = append(circuits, circuit)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan circuits failed: %w", err)
	}
	return circuits, nil
}

// CompareAndSwapCircuit stores next only if the circuit under
// dependencyID still matches the token returned by LoadCircuit. Returns
// false when another instance won the race.
func (c *Client) CompareAndSwapCircuit(
	ctx context.Context,
	dependencyID string,
	token string,
	next domain.Circuit,
) (bool, error) {
	payload, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode circuit failed: %w", err)
	}

	ok, err := circuitCASScript.Run(
		ctx, c.rdb,
		[]string{circuitKey(dependencyID)},
		token, string(payload),
	).Int()
	if err != nil {
		return false, fmt.Errorf("cas circuit failed: %w", err)
	}
	return ok == 1, nil
}
