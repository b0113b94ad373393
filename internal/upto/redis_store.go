package upto

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/x402-io/facilitator/internal/cache"
)

// closedSessionTTL is how long a closed session's hash survives before it
// ages out of the store.
const closedSessionTTL = 12 * time.Hour

const (
	sessionKeyPrefix = "upto:session:"
	sessionIndexKey  = "upto:sessions"
)

// record is the wire shape stored in the session hash: bigints are decimal
// strings and the nested payload/requirements/lastSettlement are JSON blobs,
// matching spec's distributed-backend serialization contract.
type record struct {
	Cap             string `redis:"cap"`
	Deadline        string `redis:"deadline"`
	PendingSpent    string `redis:"pendingSpent"`
	SettledTotal    string `redis:"settledTotal"`
	LastActivityMs  string `redis:"lastActivityMs"`
	SettlingSinceMs string `redis:"settlingSinceMs"`
	Status          string `redis:"status"`
	PaymentPayload  string `redis:"paymentPayload"`
	Requirements    string `redis:"paymentRequirements"`
	LastSettlement  string `redis:"lastSettlement"`
}

// RedisStore is the distributed Store implementation: one hash per session
// id plus a set index of live ids (§4.6), backed by the shared cache client.
type RedisStore struct {
	ctx    context.Context
	client *cache.Client
}

// NewRedisStore creates a distributed session store. ctx bounds the
// lifetime of background operations issued without a caller context (none
// currently; kept for symmetry with the rest of the package).
func NewRedisStore(ctx context.Context, client *cache.Client) *RedisStore {
	return &RedisStore{ctx: ctx, client: client}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func (r *RedisStore) Get(id string) (*Session, bool, error) {
	raw, err := r.client.HGetAll(r.ctx, sessionKey(id))
	if err != nil {
		return nil, false, err
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	session, err := decodeRecord(id, raw)
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

func (r *RedisStore) Set(id string, session *Session) error {
	fields, err := encodeRecord(session)
	if err != nil {
		return err
	}
	if err := r.client.HSet(r.ctx, sessionKey(id), fields); err != nil {
		return err
	}

	if session.Status == StatusClosed {
		return r.closeOut(id)
	}
	return r.client.SAdd(r.ctx, sessionIndexKey, id)
}

func (r *RedisStore) closeOut(id string) error {
	if err := r.client.SRem(r.ctx, sessionIndexKey, id); err != nil {
		return err
	}
	return r.client.Expire(r.ctx, sessionKey(id), closedSessionTTL)
}

func (r *RedisStore) Delete(id string) error {
	if err := r.client.SRem(r.ctx, sessionIndexKey, id); err != nil {
		return err
	}
	return r.client.Delete(r.ctx, sessionKey(id))
}

func (r *RedisStore) Entries() ([]*Session, error) {
	ids, err := r.client.SMembers(r.ctx, sessionIndexKey)
	if err != nil {
		return nil, err
	}

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		session, ok, err := r.Get(id)
		if err != nil || !ok {
			// A concurrent delete between SMembers and Get is expected;
			// skip rather than fail the whole snapshot.
			continue
		}
		out = append(out, session)
	}
	return out, nil
}

func encodeRecord(s *Session) (map[string]interface{}, error) {
	payloadJSON, err := json.Marshal(s.PaymentPayload)
	if err != nil {
		return nil, fmt.Errorf("encode paymentPayload: %w", err)
	}
	requirementsJSON, err := json.Marshal(s.PaymentRequirements)
	if err != nil {
		return nil, fmt.Errorf("encode paymentRequirements: %w", err)
	}
	lastSettlementJSON := ""
	if s.LastSettlement != nil {
		b, err := json.Marshal(s.LastSettlement)
		if err != nil {
			return nil, fmt.Errorf("encode lastSettlement: %w", err)
		}
		lastSettlementJSON = string(b)
	}

	return map[string]interface{}{
		"cap":                 s.Cap.String(),
		"deadline":            fmt.Sprintf("%d", s.Deadline),
		"pendingSpent":        s.PendingSpent.String(),
		"settledTotal":        s.SettledTotal.String(),
		"lastActivityMs":      fmt.Sprintf("%d", s.LastActivityMs),
		"settlingSinceMs":     fmt.Sprintf("%d", s.SettlingSinceMs),
		"status":              string(s.Status),
		"paymentPayload":      string(payloadJSON),
		"paymentRequirements": string(requirementsJSON),
		"lastSettlement":      lastSettlementJSON,
	}, nil
}

func decodeRecord(id string, raw map[string]string) (*Session, error) {
	cap, ok := new(big.Int).SetString(raw["cap"], 10)
	if !ok {
		return nil, fmt.Errorf("corrupt session %s: invalid cap", id)
	}
	pendingSpent, ok := new(big.Int).SetString(raw["pendingSpent"], 10)
	if !ok {
		return nil, fmt.Errorf("corrupt session %s: invalid pendingSpent", id)
	}
	settledTotal, ok := new(big.Int).SetString(raw["settledTotal"], 10)
	if !ok {
		return nil, fmt.Errorf("corrupt session %s: invalid settledTotal", id)
	}

	session := &Session{
		ID:           id,
		Cap:          cap,
		PendingSpent: pendingSpent,
		SettledTotal: settledTotal,
		Status:       Status(raw["status"]),
	}
	fmt.Sscanf(raw["deadline"], "%d", &session.Deadline)
	fmt.Sscanf(raw["lastActivityMs"], "%d", &session.LastActivityMs)
	fmt.Sscanf(raw["settlingSinceMs"], "%d", &session.SettlingSinceMs)

	if err := json.Unmarshal([]byte(raw["paymentPayload"]), &session.PaymentPayload); err != nil {
		return nil, fmt.Errorf("corrupt session %s: paymentPayload: %w", id, err)
	}
	if err := json.Unmarshal([]byte(raw["paymentRequirements"]), &session.PaymentRequirements); err != nil {
		return nil, fmt.Errorf("corrupt session %s: paymentRequirements: %w", id, err)
	}
	if ls := raw["lastSettlement"]; ls != "" {
		var settlement Settlement
		if err := json.Unmarshal([]byte(ls), &settlement); err != nil {
			return nil, fmt.Errorf("corrupt session %s: lastSettlement: %w", id, err)
		}
		session.LastSettlement = &settlement
	}

	return session, nil
}
