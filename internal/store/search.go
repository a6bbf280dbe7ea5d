package store

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/roomchat/internal/models"
)

const (
	// Index entries outlive the hot part of a room's history, not all of it.
	searchTTL = 7 * 24 * time.Hour

	minTermLen   = 3
	maxTermLen   = 32
	maxQueryTerm = 5
)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "are": {}, "was": {}, "were": {},
	"for": {}, "that": {}, "this": {}, "with": {}, "from": {},
	"into": {}, "like": {}, "you": {}, "but": {}, "not": {},
}

// SearchTerms splits text into distinct lowercase letter/digit runs, skipping
// stop words and runs shorter than three characters. max <= 0 means no cap.
func SearchTerms(text string, max int) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	terms := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < minTermLen || len(f) > maxTermLen {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
		if max > 0 && len(terms) == max {
			break
		}
	}
	return terms
}

func termKey(term string) string {
	return "roomchat:idx:" + term
}

// roomTermKey indexes term within one room, so room-filtered searches never
// compete with matches from other rooms.
func roomTermKey(room, term string) string {
	return "roomchat:idx:room:" + room + ":" + term
}

// SearchRef points at an indexed message.
type SearchRef struct {
	Room      string
	MessageID string
}

func (ref SearchRef) member() string {
	return ref.Room + ":" + ref.MessageID
}

func parseRef(member string) (SearchRef, bool) {
	room, id, ok := strings.Cut(member, ":")
	if !ok || room == "" || id == "" {
		return SearchRef{}, false
	}
	return SearchRef{Room: room, MessageID: id}, true
}

// IndexMessage adds msg under each of its terms, scored by creation time.
func (s *RedisStore) IndexMessage(ctx context.Context, msg *models.Message) error {
	terms := SearchTerms(msg.Text, 0)
	if len(terms) == 0 {
		return nil
	}

	z := redis.Z{
		Score:  float64(msg.CreatedAt.UnixMilli()),
		Member: SearchRef{Room: msg.Room, MessageID: msg.ID}.member(),
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, term := range terms {
			for _, key := range []string{termKey(term), roomTermKey(msg.Room, term)} {
				pipe.ZAdd(ctx, key, z)
				pipe.Expire(ctx, key, searchTTL)
			}
		}
		return nil
	})
	return err
}

// UnindexMessage removes msg from the terms of its text.
func (s *RedisStore) UnindexMessage(ctx context.Context, msg *models.Message) error {
	terms := SearchTerms(msg.Text, 0)
	if len(terms) == 0 {
		return nil
	}

	member := SearchRef{Room: msg.Room, MessageID: msg.ID}.member()
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, term := range terms {
			pipe.ZRem(ctx, termKey(term), member)
			pipe.ZRem(ctx, roomTermKey(msg.Room, term), member)
		}
		return nil
	})
	return err
}

// SearchMessages returns refs to messages matching every term of query,
// newest first. room, when set, restricts results to that room.
func (s *RedisStore) SearchMessages(ctx context.Context, query, room string, limit int) ([]SearchRef, error) {
	terms := SearchTerms(query, maxQueryTerm)
	if len(terms) == 0 || limit <= 0 {
		return []SearchRef{}, nil
	}

	keys := make([]string, len(terms))
	for i, t := range terms {
		if room != "" {
			keys[i] = roomTermKey(room, t)
		} else {
			keys[i] = termKey(t)
		}
	}
	window := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: int64(limit)}

	var members []string
	if len(keys) == 1 {
		var err error
		members, err = s.client.ZRevRangeByScore(ctx, keys[0], window).Result()
		if err != nil {
			return nil, err
		}
	} else {
		scratch := "roomchat:idx:tmp:" + uuid.NewString()

		var rng *redis.StringSliceCmd
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZInterStore(ctx, scratch, &redis.ZStore{Keys: keys, Aggregate: "MIN"})
			rng = pipe.ZRevRangeByScore(ctx, scratch, window)
			pipe.Del(ctx, scratch)
			return nil
		})
		if err != nil {
			return nil, err
		}
		members = rng.Val()
	}

	refs := make([]SearchRef, 0, limit)
	for _, m := range members {
		ref, ok := parseRef(m)
		if !ok {
			continue
		}
		refs = append(refs, ref)
		if len(refs) == limit {
			break
		}
	}
	return refs, nil
}
