// Package project implements the project-context resolver: the
// confidence-weighted BFS over a c_project shard's internal relationships,
// and the auto-attachment worker that grows that set as new shards arrive.
package project

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shardforge/syncengine/pkg/shard"
)

// ShardTypeProject is the shard type a project's root is stored as.
const ShardTypeProject = "c_project"

// Params are the resolver's tunable knobs, each defaulted per spec §4.7.
type Params struct {
	IncludeExternal bool
	MinConfidence   float64
	MaxShards       int
	MaxDepth        int
}

// WithDefaults fills zero-valued fields with the spec's defaults.
func (p Params) WithDefaults() Params {
	if p.MinConfidence <= 0 {
		p.MinConfidence = 0.6
	}
	if p.MaxShards <= 0 {
		p.MaxShards = 200
	}
	if p.MaxDepth <= 0 {
		p.MaxDepth = 3
	}
	return p
}

// Member is one shard in a resolved project context, with its aggregated
// (min-along-path) confidence.
type Member struct {
	ShardID    uuid.UUID `json:"shard_id"`
	Confidence float64   `json:"confidence"`
}

// Result is a resolved project context.
type Result struct {
	ProjectID uuid.UUID `json:"project_id"`
	Members   []Member  `json:"members"`
}

// cacheTTL is the spec's 5-minute result cache window.
const cacheTTL = 5 * time.Minute

// Resolver answers resolveProjectContext queries, caching results in Redis
// and invalidating on change-feed events touching the project or any
// member shard.
type Resolver struct {
	Store *shard.Store
	RDB   *redis.Client
}

// NewResolver constructs a Resolver.
func NewResolver(store *shard.Store, rdb *redis.Client) *Resolver {
	return &Resolver{Store: store, RDB: rdb}
}

// Resolve implements resolveProjectContext: BFS from the project's direct
// internal relationships, up to MaxDepth hops, dropping edges below
// MinConfidence, stopping once MaxShards distinct shards are visited.
func (r *Resolver) Resolve(ctx context.Context, q shard.Querier, tenantID, projectID uuid.UUID, params Params) (Result, error) {
	params = params.WithDefaults()

	key := cacheKey(tenantID, projectID, params)
	if cached, ok := r.readCache(ctx, key); ok {
		return cached, nil
	}

	project, err := r.Store.FindByID(ctx, q, tenantID, projectID)
	if err != nil {
		return Result{}, fmt.Errorf("loading project %s: %w", projectID, err)
	}

	type visit struct {
		id         uuid.UUID
		confidence float64
	}

	visited := map[uuid.UUID]float64{}
	frontier := []visit{}
	for _, rel := range project.InternalRelationships {
		if rel.Confidence < params.MinConfidence {
			continue
		}
		frontier = append(frontier, visit{id: rel.TargetShardID, confidence: rel.Confidence})
	}

	for depth := 0; depth < params.MaxDepth && len(frontier) > 0 && len(visited) < params.MaxShards; depth++ {
		var next []visit
		for _, v := range frontier {
			if len(visited) >= params.MaxShards {
				break
			}
			if existing, seen := visited[v.id]; seen && existing >= v.confidence {
				continue
			}
			visited[v.id] = v.confidence

			neighbor, err := r.Store.FindByID(ctx, q, tenantID, v.id)
			if err != nil {
				continue // shard may have been hard-deleted since the relationship was recorded
			}
			for _, rel := range neighbor.InternalRelationships {
				if rel.Confidence < params.MinConfidence {
					continue
				}
				aggregated := rel.Confidence
				if v.confidence < aggregated {
					aggregated = v.confidence // min along the path
				}
				next = append(next, visit{id: rel.TargetShardID, confidence: aggregated})
			}
		}
		frontier = next
	}

	if params.IncludeExternal {
		if err := r.includeExternal(ctx, q, tenantID, project, visited, params); err != nil {
			return Result{}, err
		}
	}

	result := Result{ProjectID: projectID}
	for id, conf := range visited {
		result.Members = append(result.Members, Member{ShardID: id, Confidence: conf})
	}
	sort.Slice(result.Members, func(i, j int) bool { return result.Members[i].ShardID.String() < result.Members[j].ShardID.String() })

	r.writeCache(ctx, tenantID, projectID, key, result)
	return result, nil
}

// includeExternal pulls shards whose externalRelationships[] match the
// project's own declared external bindings, per spec §4.7 step 5.
func (r *Resolver) includeExternal(ctx context.Context, q shard.Querier, tenantID uuid.UUID, project *shard.Shard, visited map[uuid.UUID]float64, params Params) error {
	if len(project.ExternalRelationships) == 0 {
		return nil
	}
	bindings := map[string]bool{}
	for _, ext := range project.ExternalRelationships {
		bindings[ext.System+":"+ext.ExternalID] = true
	}

	candidates, err := r.Store.QueryByTenant(ctx, q, tenantID, shard.Filter{Limit: 1000})
	if err != nil {
		return fmt.Errorf("scanning for external bindings: %w", err)
	}
	for _, c := range candidates {
		if len(visited) >= params.MaxShards {
			return nil
		}
		for _, ext := range c.ExternalRelationships {
			if bindings[ext.System+":"+ext.ExternalID] {
				if _, seen := visited[c.ID]; !seen {
					visited[c.ID] = 1.0
				}
				break
			}
		}
	}
	return nil
}

func cacheKey(tenantID, projectID uuid.UUID, params Params) string {
	raw, _ := json.Marshal(params)
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("syncengine:project-context:%s:%s:%s", tenantID, projectID, hex.EncodeToString(sum[:8]))
}

func (r *Resolver) readCache(ctx context.Context, key string) (Result, bool) {
	if r.RDB == nil {
		return Result{}, false
	}
	raw, err := r.RDB.Get(ctx, key).Bytes()
	if err != nil {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, false
	}
	return res, true
}

func (r *Resolver) writeCache(ctx context.Context, tenantID, projectID uuid.UUID, key string, res Result) {
	if r.RDB == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	_ = r.RDB.Set(ctx, key, raw, cacheTTL).Err()

	// Record which shards this result depends on, so a change event on any
	// of them (or the project itself) can find and drop this cache entry.
	memberSetKey := membershipKey(tenantID, projectID)
	_ = r.RDB.Del(ctx, memberSetKey).Err()
	ids := make([]any, 0, len(res.Members)+1)
	ids = append(ids, projectID.String())
	for _, m := range res.Members {
		ids = append(ids, m.ShardID.String())
	}
	if len(ids) > 0 {
		_ = r.RDB.SAdd(ctx, memberSetKey, ids...).Err()
		_ = r.RDB.Expire(ctx, memberSetKey, cacheTTL).Err()
	}
}

func membershipKey(tenantID, projectID uuid.UUID) string {
	return fmt.Sprintf("syncengine:project-members:%s:%s", tenantID, projectID)
}

// Invalidate drops any cached context for the given project, called by the
// cache-invalidation subscriber on a change-feed event touching the
// project or a member shard (spec §4.7: "invalidated by any change-feed
// event touching a shard in the set or the project itself"). Since the
// cache key is params-scoped, this scans by project prefix rather than a
// single key.
func (r *Resolver) Invalidate(ctx context.Context, tenantID, projectID uuid.UUID) error {
	if r.RDB == nil {
		return nil
	}
	pattern := fmt.Sprintf("syncengine:project-context:%s:%s:*", tenantID, projectID)
	iter := r.RDB.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := r.RDB.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return r.RDB.Del(ctx, membershipKey(tenantID, projectID)).Err()
}

// TracksShard reports whether projectID's cached context depends on
// shardID, used by the invalidation subscriber to decide which project
// caches a given change event affects.
func (r *Resolver) TracksShard(ctx context.Context, tenantID, projectID, shardID uuid.UUID) bool {
	if r.RDB == nil {
		return false
	}
	ok, err := r.RDB.SIsMember(ctx, membershipKey(tenantID, projectID), shardID.String()).Result()
	return err == nil && ok
}
