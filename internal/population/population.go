// Package population persists normalized user knowledge and computes each
// user's standing against everyone already scanned.
package population

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rebase-inc/skillscanner/internal/config"
	"github.com/rebase-inc/skillscanner/internal/knowledge"
)

const (
	userKeyPrefix        = "users/"
	leaderboardKeyPrefix = "leaderboard/"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	UserKnowledgeExists(ctx context.Context, username string) (bool, error)
	AddUserKnowledge(ctx context.Context, username string, n knowledge.Normalized) error
	UserKnowledge(ctx context.Context, username string) (knowledge.Normalized, error)
	Rankings(ctx context.Context, n knowledge.Normalized) (map[string]*RankingNode, error)
}

// userDocument is the stored shape of one user's knowledge.
type userDocument struct {
	UserHash  string               `json:"user_hash"`
	Version   string               `json:"version"`
	Knowledge knowledge.Normalized `json:"knowledge"`
}

// RedisStore keeps two key families in the blob store:
//
//	users/<username>                       JSON user document
//	leaderboard/<lang>/<mod>/<user>:<s>    zero-byte marker, score in the key
//
// Encoding scores in marker keys makes a whole leaderboard listable without
// fetching any values.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(cfg config.StoreConfig) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})}
}

// NewRedisStoreFromClient wraps an existing client; used by tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// UserKnowledgeExists reports whether current-version knowledge is already
// stored for the user. A document with a stale version does not count.
func (s *RedisStore) UserKnowledgeExists(ctx context.Context, username string) (bool, error) {
	raw, err := s.client.Get(ctx, userKeyPrefix+username).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading knowledge for %s: %w", username, err)
	}
	var doc userDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, nil // undecodable legacy document, treat as absent
	}
	return doc.Version == knowledge.Version, nil
}

// UserKnowledge loads the stored normalized knowledge for a user.
func (s *RedisStore) UserKnowledge(ctx context.Context, username string) (knowledge.Normalized, error) {
	raw, err := s.client.Get(ctx, userKeyPrefix+username).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("no knowledge stored for %s", username)
	}
	if err != nil {
		return nil, fmt.Errorf("reading knowledge for %s: %w", username, err)
	}
	var doc userDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding knowledge for %s: %w", username, err)
	}
	return doc.Knowledge, nil
}

// AddUserKnowledge writes the user document, replaces the user's leaderboard
// markers, and waits until every write reads back as written.
func (s *RedisStore) AddUserKnowledge(ctx context.Context, username string, n knowledge.Normalized) error {
	start := time.Now()
	slog.Debug("Writing knowledge to population store", "user", username)

	hash, err := hashstructure.Hash(n, hashstructure.FormatV2, nil)
	if err != nil {
		return fmt.Errorf("hashing knowledge: %w", err)
	}
	doc, err := json.Marshal(userDocument{
		UserHash:  strconv.FormatUint(hash, 16),
		Version:   knowledge.Version,
		Knowledge: n,
	})
	if err != nil {
		return fmt.Errorf("encoding knowledge: %w", err)
	}

	written := map[string]string{userKeyPrefix + username: string(doc)}
	if err := s.client.Set(ctx, userKeyPrefix+username, doc, 0).Err(); err != nil {
		return fmt.Errorf("writing knowledge for %s: %w", username, err)
	}

	for name, score := range n {
		prefix := leaderboardPrefix(name) + username
		stale, err := s.client.Keys(ctx, prefix+":*").Result()
		if err != nil {
			return fmt.Errorf("listing stale markers for %s: %w", prefix, err)
		}
		if len(stale) > 0 {
			if err := s.client.Del(ctx, stale...).Err(); err != nil {
				return fmt.Errorf("deleting stale markers for %s: %w", prefix, err)
			}
		}
		marker := fmt.Sprintf("%s:%.2f", prefix, score)
		if err := s.client.Set(ctx, marker, "", 0).Err(); err != nil {
			return fmt.Errorf("writing marker %s: %w", marker, err)
		}
		written[marker] = ""
	}

	if err := s.waitVisible(ctx, written); err != nil {
		return err
	}
	slog.Debug("Wrote knowledge to population store", "user", username, "took", time.Since(start))
	return nil
}

// waitVisible polls until every written key reads back with the written
// value, bounding the wait so a broken store surfaces as an error.
func (s *RedisStore) waitVisible(ctx context.Context, written map[string]string) error {
	for key, want := range written {
		var got string
		var err error
		for attempt := 0; attempt < 10; attempt++ {
			got, err = s.client.Get(ctx, key).Result()
			if err == nil && got == want {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
		if err != nil {
			return fmt.Errorf("key %s never became visible: %w", key, err)
		}
		if got != want {
			return fmt.Errorf("key %s read back stale content", key)
		}
	}
	return nil
}

// Ranking computes the user's standing for one dotted name against the
// leaderboard markers stored for it.
func (s *RedisStore) Ranking(ctx context.Context, name string, score float64) (Ranking, error) {
	keys, err := s.client.Keys(ctx, leaderboardPrefix(name)+"*").Result()
	if err != nil {
		return Ranking{}, fmt.Errorf("listing leaderboard %s: %w", name, err)
	}

	scores := make([]float64, 0, len(keys))
	var sum float64
	for _, key := range keys {
		parsed, err := markerScore(key)
		if err != nil {
			slog.Warn("Skipping malformed leaderboard marker", "key", key, "error", err)
			continue
		}
		scores = append(scores, parsed)
		sum += parsed
	}
	sort.Float64s(scores)

	return Ranking{
		Rank:       len(scores) - bisectRight(scores, round2(score)),
		Population: len(scores),
		Relevance:  int(math.Floor(sum + score)),
	}, nil
}

// Rankings computes the standing for every name in the normalized knowledge
// and folds the results into per-language trees.
func (s *RedisStore) Rankings(ctx context.Context, n knowledge.Normalized) (map[string]*RankingNode, error) {
	tree := map[string]*RankingNode{}
	for _, name := range sortedNames(n) {
		ranking, err := s.Ranking(ctx, name, n[name])
		if err != nil {
			return nil, err
		}
		insertRanking(tree, name, ranking)
	}
	return tree, nil
}

// ModuleImpact counts leaderboard markers naming the module under any
// language. It backs the local relevance oracle served by `skillscan serve`:
// a module someone in the population demonstrably uses has impact.
func (s *RedisStore) ModuleImpact(ctx context.Context, module string) (int, error) {
	keys, err := s.client.Keys(ctx, leaderboardKeyPrefix+"*/"+module+"/*").Result()
	if err != nil {
		return 0, fmt.Errorf("listing markers for %s: %w", module, err)
	}
	return len(keys), nil
}

func leaderboardPrefix(name string) string {
	return leaderboardKeyPrefix + strings.ReplaceAll(name, ".", "/") + "/"
}

// markerScore parses the trailing :<score> off a leaderboard marker key.
func markerScore(key string) (float64, error) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return 0, fmt.Errorf("no score suffix in %q", key)
	}
	return strconv.ParseFloat(key[i+1:], 64)
}

func sortedNames(n knowledge.Normalized) []string {
	names := make([]string, 0, len(n))
	for name := range n {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
