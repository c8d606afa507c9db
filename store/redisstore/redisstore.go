// Package redisstore is a Redis-backed implementation of store.Store,
// grounded on the namespaced-key, atomic-pipeline idiom of the teacher
// framework's Redis registry.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/agentmesh/orchestrator-core/core"
	"github.com/agentmesh/orchestrator-core/store"
)

// Store is a Redis-backed store.Store. Records live under
// "<namespace>:agents:<id>"; indexes are Redis sets under
// "<namespace>:by-kind:<kind>", "<namespace>:by-cap:<tag>", and
// "<namespace>:by-status:<status>".
type Store struct {
	client    *redis.Client
	namespace string
}

// New connects to redisURL and returns a Store namespaced under namespace.
func New(redisURL, namespace string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, core.NewError("redisstore.New", core.ErrInvalidRequest, "", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, core.NewError("redisstore.New", core.ErrUnavailable, "", err)
	}
	if namespace == "" {
		namespace = "orchcore"
	}
	return &Store{client: client, namespace: namespace}, nil
}

func (s *Store) recordKey(id core.AgentId) string {
	return fmt.Sprintf("%s:agents:%s", s.namespace, id.String())
}

func (s *Store) kindKey(kind string) string {
	return fmt.Sprintf("%s:by-kind:%s", s.namespace, kind)
}

func (s *Store) capKey(tag string) string {
	return fmt.Sprintf("%s:by-cap:%s", s.namespace, tag)
}

func (s *Store) statusKey(status core.AgentStatus) string {
	return fmt.Sprintf("%s:by-status:%s", s.namespace, status)
}

// Put writes the record and its indexes atomically via a transaction
// pipeline, removing stale index memberships first (the record may have
// changed kind/capabilities/status since it was last persisted).
func (s *Store) Put(ctx context.Context, rec store.Record) error {
	prev, err := s.Get(ctx, rec.Definition.ID)
	hadPrev := err == nil

	data, err := json.Marshal(rec)
	if err != nil {
		return core.NewError("redisstore.Put", core.ErrStorage, rec.Definition.ID.String(), err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(rec.Definition.ID), data, 0)

	if hadPrev {
		pipe.SRem(ctx, s.kindKey(prev.Definition.Kind), rec.Definition.ID.String())
		pipe.SRem(ctx, s.statusKey(prev.Definition.Status), rec.Definition.ID.String())
		for _, c := range prev.Definition.Capabilities {
			pipe.SRem(ctx, s.capKey(c.Tag()), rec.Definition.ID.String())
		}
	}

	pipe.SAdd(ctx, s.kindKey(rec.Definition.Kind), rec.Definition.ID.String())
	pipe.SAdd(ctx, s.statusKey(rec.Definition.Status), rec.Definition.ID.String())
	for _, c := range rec.Definition.Capabilities {
		pipe.SAdd(ctx, s.capKey(c.Tag()), rec.Definition.ID.String())
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewError("redisstore.Put", core.ErrStorage, rec.Definition.ID.String(), err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id core.AgentId) (store.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return store.Record{}, store.ErrNotExist
	}
	if err != nil {
		return store.Record{}, core.NewError("redisstore.Get", core.ErrStorage, id.String(), err)
	}
	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return store.Record{}, core.NewError("redisstore.Get", core.ErrStorage, id.String(), err)
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, id core.AgentId) error {
	rec, err := s.Get(ctx, id)
	if err == store.ErrNotExist {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recordKey(id))
	pipe.SRem(ctx, s.kindKey(rec.Definition.Kind), id.String())
	pipe.SRem(ctx, s.statusKey(rec.Definition.Status), id.String())
	for _, c := range rec.Definition.Capabilities {
		pipe.SRem(ctx, s.capKey(c.Tag()), id.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewError("redisstore.Delete", core.ErrStorage, id.String(), err)
	}
	return nil
}

func (s *Store) ByKind(ctx context.Context, kind string) ([]core.AgentId, error) {
	return s.members(ctx, s.kindKey(kind))
}

func (s *Store) ByCapability(ctx context.Context, tag string) ([]core.AgentId, error) {
	return s.members(ctx, s.capKey(tag))
}

func (s *Store) ByStatus(ctx context.Context, status core.AgentStatus) ([]core.AgentId, error) {
	return s.members(ctx, s.statusKey(status))
}

func (s *Store) members(ctx context.Context, key string) ([]core.AgentId, error) {
	raw, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, core.NewError("redisstore.members", core.ErrStorage, key, err)
	}
	ids := make([]core.AgentId, 0, len(raw))
	for _, s := range raw {
		id, err := core.ParseAgentId(s)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// All scans every "<namespace>:agents:*" key. Used for startup cache warm
// and substring search, both of which tolerate an O(n) scan.
func (s *Store) All(ctx context.Context) ([]store.Record, error) {
	var records []store.Record
	iter := s.client.Scan(ctx, 0, fmt.Sprintf("%s:agents:*", s.namespace), 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec store.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, core.NewError("redisstore.All", core.ErrStorage, "", err)
	}
	return records, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
