package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 约定：ZSET score=expireAt（Unix 毫秒），expireAt <= now 视为过期
var sweepScript = redis.NewScript(`
-- KEYS[1] = 过期索引 ZSet
-- KEYS[2] = 数据 Hash
-- ARGV[1] = now (unix millis)

local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// redisPresence 基于 redis 的 PresenceCache，多实例共享在线状态
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func millis(t time.Time) float64 { return float64(t.UnixMilli()) }

func (p *redisPresence) PutPresence(ctx context.Context, up UserPresence, expireAt time.Time) error {
	b, err := json.Marshal(up)
	if err != nil {
		return err
	}
	// 刷新 TTL 也直接覆盖写入
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, usersKey(), redis.Z{Score: millis(expireAt), Member: up.UserID})
	tx.HSet(ctx, usersDataKey(), up.UserID, b)
	_, err = tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetPresence(ctx context.Context, userID string, now time.Time) (UserPresence, bool, error) {
	score, err := p.rdb.ZScore(ctx, usersKey(), userID).Result()
	if errors.Is(err, redis.Nil) {
		return UserPresence{}, false, nil
	}
	if err != nil {
		return UserPresence{}, false, err
	}
	if score <= millis(now) {
		return UserPresence{}, false, nil
	}
	b, err := p.rdb.HGet(ctx, usersDataKey(), userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return UserPresence{}, false, nil
	}
	if err != nil {
		return UserPresence{}, false, err
	}
	var up UserPresence
	if err := json.Unmarshal(b, &up); err != nil {
		return UserPresence{}, false, err
	}
	return up, true, nil
}

func (p *redisPresence) DeletePresence(ctx context.Context, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, usersKey(), userID)
	tx.HDel(ctx, usersDataKey(), userID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) AlivePresences(ctx context.Context, now time.Time) ([]UserPresence, error) {
	raw, err := p.alive(ctx, usersKey(), usersDataKey(), now)
	if err != nil {
		return nil, err
	}
	out := make([]UserPresence, 0, len(raw))
	for _, b := range raw {
		var up UserPresence
		if err := json.Unmarshal(b, &up); err != nil {
			return nil, err
		}
		out = append(out, up)
	}
	return out, nil
}

func (p *redisPresence) PutCursor(ctx context.Context, c CursorPosition, expireAt time.Time) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, cursorsKey(c.DocumentID), redis.Z{Score: millis(expireAt), Member: c.UserID})
	tx.HSet(ctx, cursorsDataKey(c.DocumentID), c.UserID, b)
	tx.SAdd(ctx, cursorDocsKey(), c.DocumentID)
	_, err = tx.Exec(ctx)
	return err
}

func (p *redisPresence) DeleteCursor(ctx context.Context, documentID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, cursorsKey(documentID), userID)
	tx.HDel(ctx, cursorsDataKey(documentID), userID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) AliveCursors(ctx context.Context, documentID string, now time.Time) ([]CursorPosition, error) {
	raw, err := p.alive(ctx, cursorsKey(documentID), cursorsDataKey(documentID), now)
	if err != nil {
		return nil, err
	}
	out := make([]CursorPosition, 0, len(raw))
	for _, b := range raw {
		var c CursorPosition
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// alive 查询 score > now 的成员，再批量取数据
func (p *redisPresence) alive(ctx context.Context, zkey, hkey string, now time.Time) ([][]byte, error) {
	ids, err := p.rdb.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixMilli(), 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := p.rdb.HMGet(ctx, hkey, ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, []byte(s))
	}
	return out, nil
}

func (p *redisPresence) Sweep(ctx context.Context, now time.Time) (int, error) {
	ts := now.UnixMilli()
	removed, err := sweepScript.Run(ctx, p.rdb, []string{usersKey(), usersDataKey()}, ts).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}

	docs, err := p.rdb.SMembers(ctx, cursorDocsKey()).Result()
	if err != nil {
		return removed, err
	}
	for _, docID := range docs {
		n, err := sweepScript.Run(ctx, p.rdb, []string{cursorsKey(docID), cursorsDataKey(docID)}, ts).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return removed, err
		}
		removed += n
		left, err := p.rdb.ZCard(ctx, cursorsKey(docID)).Result()
		if err != nil {
			return removed, err
		}
		if left == 0 {
			p.rdb.SRem(ctx, cursorDocsKey(), docID)
		}
	}
	return removed, nil
}
