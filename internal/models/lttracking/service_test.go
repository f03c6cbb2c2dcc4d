package lttracking

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ============= Setup et Teardown =============

func setupTestService(t *testing.T) *TrackingService {
	testDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// Une seule connexion: chaque connexion sqlite :memory: ouvre sa
	// propre base
	sqlDB, err := testDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	service, err := NewTrackingService(testDB, nil, nil, 30*time.Minute)
	require.NoError(t, err)

	return service
}

// Vieillir le filigrane d'activité d'une session pour simuler le temps
// qui passe
func backdateSession(t *testing.T, ts *TrackingService, sessionID string, startedAgo, endedAgo time.Duration) {
	updates := map[string]interface{}{
		"ended_at": time.Now().Add(-endedAgo),
	}
	if startedAgo > 0 {
		updates["started_at"] = time.Now().Add(-startedAgo)
	}
	err := ts.db.Model(&Session{}).
		Where("session_id = ?", sessionID).
		Updates(updates).Error
	require.NoError(t, err)
}

func getSession(t *testing.T, ts *TrackingService, sessionID string) *Session {
	var session Session
	err := ts.db.Where("session_id = ?", sessionID).First(&session).Error
	require.NoError(t, err)
	return &session
}

// ============= Tests pour la résolution de visiteur =============

func TestGenerateID(t *testing.T) {
	id1 := GenerateID()
	id2 := GenerateID()

	assert.Len(t, id1, 32)
	assert.NotEqual(t, id1, id2)
}

func TestResolveVisitorCreation(t *testing.T) {
	service := setupTestService(t)

	visitor, err := service.ResolveVisitor("", VisitorMeta{
		UserAgent: "Mozilla/5.0",
		IPAddress: "203.0.113.10",
		FirstPage: "https://example.com/pricing",
	})
	require.NoError(t, err)

	assert.Len(t, visitor.VisitorID, 32)
	assert.Equal(t, "Mozilla/5.0", visitor.UserAgent)
	assert.Equal(t, "https://example.com/pricing", visitor.FirstPage)
}

func TestResolveVisitorIdempotent(t *testing.T) {
	service := setupTestService(t)

	first, err := service.ResolveVisitor("visitor-abc", VisitorMeta{
		UserAgent: "Mozilla/5.0",
		Referrer:  "https://google.com",
		FirstPage: "https://example.com/",
	})
	require.NoError(t, err)

	// Les métadonnées d'origine ne sont jamais écrasées
	second, err := service.ResolveVisitor("visitor-abc", VisitorMeta{
		UserAgent: "Autre UA",
		Referrer:  "https://bing.com",
		FirstPage: "https://example.com/autre",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Mozilla/5.0", second.UserAgent)
	assert.Equal(t, "https://google.com", second.Referrer)
	assert.Equal(t, "https://example.com/", second.FirstPage)

	var count int64
	service.db.Model(&Visitor{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

// ============= Tests pour le raccordement de session =============

func TestStitchReuseWithinWindow(t *testing.T) {
	service := setupTestService(t)

	first, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)

	// 10 minutes d'inactivité: toujours la même session
	backdateSession(t, service, first.SessionID, 0, 10*time.Minute)

	second, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestStitchNewAfterWindow(t *testing.T) {
	service := setupTestService(t)

	first, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)

	// 40 minutes d'inactivité: la fenêtre de 30 minutes est dépassée
	backdateSession(t, service, first.SessionID, 0, 40*time.Minute)

	second, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	var count int64
	service.db.Model(&Session{}).Count(&count)
	assert.Equal(t, int64(2), count)
}

func TestStitchIgnoresClientHintWhenSessionActive(t *testing.T) {
	service := setupTestService(t)

	first, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)

	// L'indice client ne fait pas autorité tant qu'une session est active
	second, err := service.Stitch("visitor-abc", SessionHints{SessionID: "client-session-id"})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestStitchReopensClosedSessionWithinWindow(t *testing.T) {
	service := setupTestService(t)

	first, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	_, err = service.RecordPageView(first.SessionID, "visitor-abc", "https://example.com/", "")
	require.NoError(t, err)
	require.NoError(t, service.Close(first.SessionID, nil))

	// Close vient de rafraîchir le filigrane: le visiteur qui revient
	// dans la fenêtre reprend sa session, qui redevient ouverte
	second, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.False(t, second.Closed)
	assert.False(t, getSession(t, service, first.SessionID).Closed)
}

func TestStitchNewSessionAfterClosedWindow(t *testing.T) {
	service := setupTestService(t)

	first, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	require.NoError(t, service.Close(first.SessionID, nil))
	backdateSession(t, service, first.SessionID, 0, 40*time.Minute)

	second, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestStitchConcurrent(t *testing.T) {
	service := setupTestService(t)

	const goroutines = 8
	results := make([]string, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			session, err := service.Stitch("visitor-abc", SessionHints{})
			assert.NoError(t, err)
			results[n] = session.SessionID
		}(i)
	}
	wg.Wait()

	// Toutes les requêtes simultanées atterrissent sur la même session
	for i := 1; i < goroutines; i++ {
		assert.Equal(t, results[0], results[i])
	}

	var count int64
	service.db.Model(&Session{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

// ============= Tests pour l'enregistrement d'activité =============

func TestRecordPageView(t *testing.T) {
	service := setupTestService(t)

	session, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)

	_, err = service.RecordPageView(session.SessionID, "visitor-abc", "https://example.com/", "Accueil")
	require.NoError(t, err)
	_, err = service.RecordPageView(session.SessionID, "visitor-abc", "https://example.com/pricing", "Tarifs")
	require.NoError(t, err)

	updated := getSession(t, service, session.SessionID)
	assert.Equal(t, 2, updated.PageViews)
	require.NotNil(t, updated.EndedAt)
	assert.WithinDuration(t, time.Now(), *updated.EndedAt, time.Minute)
}

func TestRecordEventCounters(t *testing.T) {
	service := setupTestService(t)

	session, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, service.RecordEvent(session.SessionID, "form_submission"))
	}

	updated := getSession(t, service, session.SessionID)
	assert.Equal(t, 5, updated.EventsCount)
	assert.Equal(t, 5, updated.FormSubmissions)

	// Les types inconnus comptent dans events_count seulement
	other, err := service.Stitch("visitor-def", SessionHints{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, service.RecordEvent(other.SessionID, "click"))
	}

	updated = getSession(t, service, other.SessionID)
	assert.Equal(t, 5, updated.EventsCount)
	assert.Equal(t, 0, updated.FormSubmissions)
}

func TestRecordEventUnknownSession(t *testing.T) {
	service := setupTestService(t)

	// Jamais d'erreur remontée au navigateur
	assert.NoError(t, service.RecordEvent("session-inconnue", "click"))
}

func TestDurationAccumulation(t *testing.T) {
	service := setupTestService(t)

	session, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)

	pv1, err := service.RecordPageView(session.SessionID, "visitor-abc", "https://example.com/", "")
	require.NoError(t, err)
	pv2, err := service.RecordPageView(session.SessionID, "visitor-abc", "https://example.com/pricing", "")
	require.NoError(t, err)
	_, err = service.RecordPageView(session.SessionID, "visitor-abc", "https://example.com/contact", "")
	require.NoError(t, err)

	require.NoError(t, service.UpdatePageTime(pv1.ID, 10))
	require.NoError(t, service.UpdatePageTime(pv2.ID, 25))

	// 10 + 25 + 0: la page sans heartbeat compte pour zéro
	updated := getSession(t, service, session.SessionID)
	assert.Equal(t, 35, updated.Duration)
}

func TestUpdatePageTimeUnknownPageView(t *testing.T) {
	service := setupTestService(t)

	assert.NoError(t, service.UpdatePageTime(99999, 10))
}

// ============= Tests pour la clôture de session =============

func TestCloseBounce(t *testing.T) {
	service := setupTestService(t)

	session, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	pv, err := service.RecordPageView(session.SessionID, "visitor-abc", "https://example.com/", "")
	require.NoError(t, err)

	require.NoError(t, service.Close(session.SessionID, nil))

	var page PageView
	require.NoError(t, service.db.First(&page, pv.ID).Error)
	assert.True(t, page.Bounce)
	assert.True(t, page.ExitPage)

	updated := getSession(t, service, session.SessionID)
	assert.True(t, updated.Closed)
}

func TestCloseMultiPageExit(t *testing.T) {
	service := setupTestService(t)

	session, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)

	_, err = service.RecordPageView(session.SessionID, "visitor-abc", "https://example.com/", "")
	require.NoError(t, err)
	_, err = service.RecordPageView(session.SessionID, "visitor-abc", "https://example.com/pricing", "")
	require.NoError(t, err)
	last, err := service.RecordPageView(session.SessionID, "visitor-abc", "https://example.com/contact", "")
	require.NoError(t, err)

	seconds := 42
	require.NoError(t, service.Close(session.SessionID, &seconds))

	// Seule la dernière page est la page de sortie, pas de rebond
	var exits []PageView
	require.NoError(t, service.db.Where("session_id = ? AND exit_page", session.SessionID).Find(&exits).Error)
	require.Len(t, exits, 1)
	assert.Equal(t, last.ID, exits[0].ID)
	assert.False(t, exits[0].Bounce)
	assert.Equal(t, 42, exits[0].TimeOnPage)
}

func TestCloseUnknownSession(t *testing.T) {
	service := setupTestService(t)

	assert.NoError(t, service.Close("session-inconnue", nil))
}

func TestCloseTwice(t *testing.T) {
	service := setupTestService(t)

	session, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	_, err = service.RecordPageView(session.SessionID, "visitor-abc", "https://example.com/", "")
	require.NoError(t, err)

	require.NoError(t, service.Close(session.SessionID, nil))
	require.NoError(t, service.Close(session.SessionID, nil))

	var exits int64
	service.db.Model(&PageView{}).Where("session_id = ? AND exit_page", session.SessionID).Count(&exits)
	assert.Equal(t, int64(1), exits)
}

func TestCloseReopenedSessionClearsBounce(t *testing.T) {
	service := setupTestService(t)

	session, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	first, err := service.RecordPageView(session.SessionID, "visitor-abc", "https://example.com/", "")
	require.NoError(t, err)

	// Première clôture: une seule page, rebond
	require.NoError(t, service.Close(session.SessionID, nil))

	// Retour dans la fenêtre: même session, une page de plus
	reopened, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	require.Equal(t, session.SessionID, reopened.SessionID)
	second, err := service.RecordPageView(session.SessionID, "visitor-abc", "https://example.com/pricing", "")
	require.NoError(t, err)

	require.NoError(t, service.Close(session.SessionID, nil))

	// Deux pages vues à la re-clôture: plus de rebond nulle part, et la
	// page de sortie a suivi
	var page PageView
	require.NoError(t, service.db.First(&page, first.ID).Error)
	assert.False(t, page.Bounce)
	assert.False(t, page.ExitPage)

	var secondPage PageView
	require.NoError(t, service.db.First(&secondPage, second.ID).Error)
	assert.False(t, secondPage.Bounce)
	assert.True(t, secondPage.ExitPage)
}

// ============= Tests pour l'attribution rétroactive =============

func TestLinkEntity(t *testing.T) {
	service := setupTestService(t)

	leadA := "lead-a"
	first, err := service.Stitch("visitor-abc", SessionHints{LeadID: &leadA})
	require.NoError(t, err)
	backdateSession(t, service, first.SessionID, 0, 40*time.Minute)

	second, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	backdateSession(t, service, second.SessionID, 0, 40*time.Minute)

	third, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	backdateSession(t, service, third.SessionID, 0, 40*time.Minute)

	leadB := "lead-b"
	linked, err := service.LinkEntity("visitor-abc", &leadB, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), linked)

	// L'attribution existante n'est jamais écrasée
	updated := getSession(t, service, first.SessionID)
	require.NotNil(t, updated.LeadID)
	assert.Equal(t, "lead-a", *updated.LeadID)

	updated = getSession(t, service, second.SessionID)
	require.NotNil(t, updated.LeadID)
	assert.Equal(t, "lead-b", *updated.LeadID)
}

func TestLinkEntityNoMatch(t *testing.T) {
	service := setupTestService(t)

	contact := "contact-1"
	linked, err := service.LinkEntity("visiteur-inconnu", nil, &contact)
	require.NoError(t, err)
	assert.Equal(t, int64(0), linked)
}

func TestLinkEntityRequiresTarget(t *testing.T) {
	service := setupTestService(t)

	_, err := service.LinkEntity("visitor-abc", nil, nil)
	assert.Error(t, err)
}

// ============= Tests pour le balayage =============

func TestSweepStale(t *testing.T) {
	service := setupTestService(t)

	stale, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	_, err = service.RecordPageView(stale.SessionID, "visitor-abc", "https://example.com/", "")
	require.NoError(t, err)
	// Dernière activité il y a 40 minutes, démarrée il y a 45
	backdateSession(t, service, stale.SessionID, 45*time.Minute, 40*time.Minute)

	active, err := service.Stitch("visitor-def", SessionHints{})
	require.NoError(t, err)
	_, err = service.RecordPageView(active.SessionID, "visitor-def", "https://example.com/", "")
	require.NoError(t, err)

	require.NoError(t, service.SweepStale())

	// La session inactive est clôturée à son filigrane, pas au moment
	// du balayage
	closed := getSession(t, service, stale.SessionID)
	assert.True(t, closed.Closed)
	assert.InDelta(t, 300, closed.Duration, 2)

	untouched := getSession(t, service, active.SessionID)
	assert.False(t, untouched.Closed)
}

func TestSweepReopenedSession(t *testing.T) {
	service := setupTestService(t)

	session, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	_, err = service.RecordPageView(session.SessionID, "visitor-abc", "https://example.com/", "")
	require.NoError(t, err)
	require.NoError(t, service.Close(session.SessionID, nil))

	// Réouverture dans la fenêtre, puis la session redevient silencieuse
	reopened, err := service.Stitch("visitor-abc", SessionHints{})
	require.NoError(t, err)
	require.Equal(t, session.SessionID, reopened.SessionID)
	last, err := service.RecordPageView(session.SessionID, "visitor-abc", "https://example.com/pricing", "")
	require.NoError(t, err)
	backdateSession(t, service, session.SessionID, 45*time.Minute, 40*time.Minute)

	require.NoError(t, service.SweepStale())

	// La session rouverte n'échappe pas au balayage
	closed := getSession(t, service, session.SessionID)
	assert.True(t, closed.Closed)
	assert.InDelta(t, 300, closed.Duration, 2)

	var page PageView
	require.NoError(t, service.db.First(&page, last.ID).Error)
	assert.True(t, page.ExitPage)
	assert.False(t, page.Bounce)

	// Les flags de la première clôture ne survivent pas au balayage
	var exits, bounces int64
	service.db.Model(&PageView{}).Where("session_id = ? AND exit_page", session.SessionID).Count(&exits)
	service.db.Model(&PageView{}).Where("session_id = ? AND bounce", session.SessionID).Count(&bounces)
	assert.Equal(t, int64(1), exits)
	assert.Equal(t, int64(0), bounces)
}

func TestStartSweepInvalidSpec(t *testing.T) {
	service := setupTestService(t)

	assert.Error(t, service.StartSweep("pas un planning"))
	assert.NoError(t, service.StartSweep(""))

	require.NoError(t, service.StartSweep("*/10 * * * *"))
	service.StopSweep()
}
