package ltsummary

import (
	"errors"
	"fmt"
	"littletrack/internal/models/lttracking"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound est retourné quand le visiteur ou l'entité demandée est
// inconnue
var ErrNotFound = errors.New("not found")

type SummaryService struct {
	db     *gorm.DB
	window time.Duration
}

func NewSummaryService(db *gorm.DB, window time.Duration) *SummaryService {
	if window <= 0 {
		window = lttracking.DefaultWindow
	}
	return &SummaryService{
		db:     db,
		window: window,
	}
}

// VisitorSummary représente l'activité agrégée d'un visiteur
type VisitorSummary struct {
	VisitorID          string     `json:"visitor_id"`
	TotalSessions      int64      `json:"total_sessions"`
	TotalPageViews     int64      `json:"total_page_views"`
	TotalTimeOnSite    int        `json:"total_time_on_site"`
	AvgSessionDuration float64    `json:"avg_session_duration"`
	FirstVisit         *time.Time `json:"first_visit"`
	LastVisit          *time.Time `json:"last_visit"`
	TopPages           []PageStat `json:"top_pages"`
	ConversionEvents   int64      `json:"conversion_events"`
}

type PageStat struct {
	URL   string `json:"url"`
	Views int64  `json:"views"`
}

// TimelineEntry représente une session dans la chronologie d'un lead
// ou d'un contact
type TimelineEntry struct {
	SessionID     string         `json:"session_id"`
	StartedAt     time.Time      `json:"started_at"`
	Duration      int            `json:"duration"`
	PageViewCount int            `json:"page_view_count"`
	Pages         []TimelinePage `json:"pages"`
}

type TimelinePage struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	TimeOnPage int    `json:"time_on_page"`
}

// GetVisitorSummary agrège toute l'activité connue d'un visiteur
func (ss *SummaryService) GetVisitorSummary(visitorID string) (*VisitorSummary, error) {
	var visitor lttracking.Visitor
	err := ss.db.Where("visitor_id = ?", visitorID).First(&visitor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading visitor: %w", err)
	}

	var sessions []lttracking.Session
	err = ss.db.Where("visitor_id = ?", visitorID).
		Order("started_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("error reading sessions: %w", err)
	}

	summary := &VisitorSummary{
		VisitorID:     visitorID,
		TotalSessions: int64(len(sessions)),
	}

	for i := range sessions {
		s := &sessions[i]
		summary.TotalTimeOnSite += ss.effectiveDuration(s)
		summary.ConversionEvents += int64(s.FormSubmissions)

		if summary.FirstVisit == nil || s.StartedAt.Before(*summary.FirstVisit) {
			started := s.StartedAt
			summary.FirstVisit = &started
		}
		last := s.StartedAt
		if s.EndedAt != nil && s.EndedAt.After(last) {
			last = *s.EndedAt
		}
		if summary.LastVisit == nil || last.After(*summary.LastVisit) {
			summary.LastVisit = &last
		}
	}

	if summary.TotalSessions > 0 {
		summary.AvgSessionDuration = float64(summary.TotalTimeOnSite) / float64(summary.TotalSessions)
	}

	// Total des pages vues
	err = ss.db.Model(&lttracking.PageView{}).
		Where("visitor_id = ?", visitorID).
		Count(&summary.TotalPageViews).Error
	if err != nil {
		return nil, fmt.Errorf("error counting page views: %w", err)
	}

	// Top des pages (5 pages les plus vues)
	err = ss.db.Model(&lttracking.PageView{}).
		Select("page_url as url, COUNT(*) as views").
		Where("visitor_id = ?", visitorID).
		Group("page_url").
		Order("views DESC").
		Limit(5).
		Scan(&summary.TopPages).Error
	if err != nil {
		return nil, fmt.Errorf("error getting top pages: %w", err)
	}

	return summary, nil
}

// GetTimeline retourne les sessions d'un lead ou d'un contact, les plus
// récentes en premier, avec leurs pages vues dans l'ordre de visite
func (ss *SummaryService) GetTimeline(entityType, entityID string) ([]TimelineEntry, error) {
	var column string
	switch entityType {
	case "lead":
		column = "lead_id"
	case "contact":
		column = "contact_id"
	default:
		return nil, fmt.Errorf("entity_type doit etre lead ou contact")
	}

	var sessions []lttracking.Session
	err := ss.db.Where(column+" = ?", entityID).
		Order("started_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("error reading sessions: %w", err)
	}

	if len(sessions) == 0 {
		return []TimelineEntry{}, nil
	}

	sessionIDs := make([]string, len(sessions))
	for i := range sessions {
		sessionIDs[i] = sessions[i].SessionID
	}

	var pageViews []lttracking.PageView
	err = ss.db.Where("session_id IN ?", sessionIDs).
		Order("created_at ASC, id ASC").
		Find(&pageViews).Error
	if err != nil {
		return nil, fmt.Errorf("error reading page views: %w", err)
	}

	pagesBySession := make(map[string][]TimelinePage)
	for _, pv := range pageViews {
		pagesBySession[pv.SessionID] = append(pagesBySession[pv.SessionID], TimelinePage{
			URL:        pv.PageURL,
			Title:      pv.PageTitle,
			TimeOnPage: pv.TimeOnPage,
		})
	}

	timeline := make([]TimelineEntry, 0, len(sessions))
	for i := range sessions {
		s := &sessions[i]
		timeline = append(timeline, TimelineEntry{
			SessionID:     s.SessionID,
			StartedAt:     s.StartedAt,
			Duration:      ss.effectiveDuration(s),
			PageViewCount: s.PageViews,
			Pages:         pagesBySession[s.SessionID],
		})
	}

	return timeline, nil
}

// GetTotals retourne les totaux globaux pour le dashboard d'admin
func (ss *SummaryService) GetTotals() (map[string]int64, error) {
	totals := map[string]int64{}

	var count int64
	if err := ss.db.Model(&lttracking.Visitor{}).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("error counting visitors: %w", err)
	}
	totals["visitors"] = count

	if err := ss.db.Model(&lttracking.Session{}).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("error counting sessions: %w", err)
	}
	totals["sessions"] = count

	if err := ss.db.Model(&lttracking.PageView{}).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("error counting page views: %w", err)
	}
	totals["page_views"] = count

	return totals, nil
}

// Une session ouverte mais silencieuse depuis plus que la fenêtre
// d'inactivité est considérée comme terminée à son filigrane pour
// l'affichage, sans attendre le passage du balayage
func (ss *SummaryService) effectiveDuration(s *lttracking.Session) int {
	if s.Closed {
		return s.Duration
	}
	if s.EndedAt != nil && time.Since(*s.EndedAt) > ss.window {
		inferred := int(s.EndedAt.Sub(s.StartedAt).Seconds())
		if inferred > s.Duration {
			return inferred
		}
	}
	return s.Duration
}
