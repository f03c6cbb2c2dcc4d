package ltredis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store maintient des compteurs journaliers en temps réel, la base
// relationnelle reste la source de vérité
type Store struct {
	client    *redis.Client
	retention time.Duration
}

func New(addr string, db int) *Store {
	if addr == "" {
		return nil
	}
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
		retention: 31 * 24 * time.Hour,
	}
}

// RecordPageView incrémente les compteurs du jour, best-effort
func (s *Store) RecordPageView(ctx context.Context, visitorID string) {
	if s == nil {
		return
	}
	today := time.Now().Format("2006-01-02")

	dailyKey := fmt.Sprintf("tracking:daily:%s", today)
	s.client.HIncrBy(ctx, dailyKey, "page_views", 1)
	s.client.Expire(ctx, dailyKey, s.retention)

	// Marquer le visiteur comme vu aujourd'hui
	visitorKey := fmt.Sprintf("tracking:visitors:%s", today)
	s.client.SAdd(ctx, visitorKey, visitorID)
	s.client.Expire(ctx, visitorKey, s.retention)
}

// RecordEvent incrémente le compteur d'événements du jour
func (s *Store) RecordEvent(ctx context.Context, eventType string) {
	if s == nil {
		return
	}
	today := time.Now().Format("2006-01-02")

	dailyKey := fmt.Sprintf("tracking:daily:%s", today)
	s.client.HIncrBy(ctx, dailyKey, "events", 1)
	if eventType == "form_submission" {
		s.client.HIncrBy(ctx, dailyKey, "form_submissions", 1)
	}
	s.client.Expire(ctx, dailyKey, s.retention)
}

// TodayStats retourne les compteurs du jour
func (s *Store) TodayStats(ctx context.Context) (map[string]interface{}, error) {
	if s == nil {
		return map[string]interface{}{}, nil
	}
	today := time.Now().Format("2006-01-02")

	dailyKey := fmt.Sprintf("tracking:daily:%s", today)
	pageViews, err := s.client.HGet(ctx, dailyKey, "page_views").Int64()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	events, err := s.client.HGet(ctx, dailyKey, "events").Int64()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// Visiteurs uniques aujourd'hui
	visitorKey := fmt.Sprintf("tracking:visitors:%s", today)
	uniqueVisitors, err := s.client.SCard(ctx, visitorKey).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	return map[string]interface{}{
		"today_page_views":      pageViews,
		"today_events":          events,
		"today_unique_visitors": uniqueVisitors,
	}, nil
}
