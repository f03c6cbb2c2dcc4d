package lttracking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"littletrack/internal/ltgeo"
	"littletrack/internal/ltredis"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// DefaultWindow est la fenêtre d'inactivité par defaut
const DefaultWindow = 30 * time.Minute

// Nombre de verrous partagés entre visiteurs
const lockStripes = 64

// VisitorMeta regroupe les métadonnées connues à la première
// observation d'un visiteur
type VisitorMeta struct {
	UserAgent string
	IPAddress string
	Referrer  string
	FirstPage string
	Country   string
	Region    string
	City      string
}

// SessionHints regroupe les indices transmis par le client lors du
// raccordement d'une session
type SessionHints struct {
	SessionID   string
	LeadID      *string
	ContactID   *string
	UtmSource   string
	UtmMedium   string
	UtmCampaign string
}

type TrackingService struct {
	db       *gorm.DB
	realtime *ltredis.Store
	geo      *ltgeo.Resolver
	window   time.Duration
	cron     *cron.Cron

	// Sérialise le raccordement de session par visiteur: deux
	// premières requêtes simultanées du même visiteur ne doivent
	// créer qu'une seule session
	visitorLocks [lockStripes]sync.Mutex
}

func NewTrackingService(db *gorm.DB, realtime *ltredis.Store, geo *ltgeo.Resolver, window time.Duration) (*TrackingService, error) {
	if window <= 0 {
		window = DefaultWindow
	}

	if err := db.AutoMigrate(&Visitor{}, &Session{}, &PageView{}); err != nil {
		return nil, fmt.Errorf("erreur migration tracking: %w", err)
	}

	return &TrackingService{
		db:       db,
		realtime: realtime,
		geo:      geo,
		window:   window,
	}, nil
}

// Window retourne la fenêtre d'inactivité configurée
func (ts *TrackingService) Window() time.Duration {
	return ts.window
}

// GenerateID génère un identifiant opaque de 32 caractères hexa
func GenerateID() string {
	randomBytes := make([]byte, 16)
	rand.Read(randomBytes)
	return hex.EncodeToString(randomBytes)
}

// ResolveVisitor retourne le visiteur pour cet identifiant, en le
// créant avec les métadonnées fournies s'il n'existe pas. Les appels
// répétés avec un identifiant connu n'écrasent jamais les métadonnées
// d'origine (first-write-wins). Un indice absent génère un nouvel
// identifiant.
func (ts *TrackingService) ResolveVisitor(visitorID string, meta VisitorMeta) (*Visitor, error) {
	if visitorID == "" {
		visitorID = GenerateID()
	}

	var visitor Visitor
	err := ts.db.Where("visitor_id = ?", visitorID).First(&visitor).Error
	if err == nil {
		return &visitor, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("erreur lecture visiteur: %w", err)
	}

	// Géolocalisation si le client n'a rien fourni
	if meta.Country == "" && meta.City == "" && meta.IPAddress != "" {
		loc := ts.geo.Lookup(meta.IPAddress)
		meta.Country = loc.Country
		meta.Region = loc.Region
		meta.City = loc.City
	}

	visitor = Visitor{
		VisitorID: visitorID,
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
		Country:   meta.Country,
		Region:    meta.Region,
		City:      meta.City,
		Referrer:  meta.Referrer,
		FirstPage: meta.FirstPage,
	}
	if err := ts.db.Create(&visitor).Error; err != nil {
		// Création concurrente du même visiteur: l'index unique a
		// tranché, relire le gagnant
		var winner Visitor
		if err2 := ts.db.Where("visitor_id = ?", visitorID).First(&winner).Error; err2 == nil {
			return &winner, nil
		}
		return nil, fmt.Errorf("erreur création visiteur: %w", err)
	}

	return &visitor, nil
}

// Stitch retourne la session à laquelle attribuer les prochains
// événements du visiteur: la session la plus récente dont le filigrane
// d'activité est dans la fenêtre d'inactivité, sinon une nouvelle.
// L'identifiant de la session existante fait autorité sur l'indice
// client, pour tolérer la perte d'identifiants côté navigateur. Une
// session explicitement clôturée mais encore dans la fenêtre est
// rouverte: le filigrane fait foi, pas le flag de clôture.
func (ts *TrackingService) Stitch(visitorID string, hints SessionHints) (*Session, error) {
	lock := ts.lockForVisitor(visitorID)
	lock.Lock()
	defer lock.Unlock()

	cutoff := time.Now().Add(-ts.window)

	var session Session
	err := ts.db.
		Where("visitor_id = ? AND (ended_at IS NULL OR ended_at > ?)", visitorID, cutoff).
		Order("started_at DESC").
		First(&session).Error
	if err == nil {
		// Une session rouverte redevient ouverte: sans ça le balayage
		// (qui filtre sur NOT closed) ne la finaliserait plus jamais
		if session.Closed {
			err = ts.db.Model(&session).Update("closed", false).Error
			if err != nil {
				return nil, fmt.Errorf("erreur réouverture session: %w", err)
			}
			session.Closed = false
		}
		return &session, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("erreur recherche session: %w", err)
	}

	sessionID := hints.SessionID
	if sessionID == "" {
		sessionID = GenerateID()
	}

	session = Session{
		SessionID:   sessionID,
		VisitorID:   visitorID,
		LeadID:      hints.LeadID,
		ContactID:   hints.ContactID,
		StartedAt:   time.Now(),
		UtmSource:   hints.UtmSource,
		UtmMedium:   hints.UtmMedium,
		UtmCampaign: hints.UtmCampaign,
	}
	if err := ts.db.Create(&session).Error; err != nil {
		// L'index unique sur session_id a refusé un doublon, relire
		var winner Session
		if err2 := ts.db.Where("session_id = ?", sessionID).First(&winner).Error; err2 == nil {
			return &winner, nil
		}
		return nil, fmt.Errorf("erreur création session: %w", err)
	}

	return &session, nil
}

// RecordPageView enregistre une vue de page sur la session et rafraîchit
// le filigrane d'activité
func (ts *TrackingService) RecordPageView(sessionID, visitorID, pageURL, pageTitle string) (*PageView, error) {
	pageView := PageView{
		SessionID: sessionID,
		VisitorID: visitorID,
		PageURL:   pageURL,
		PageTitle: pageTitle,
	}
	if err := ts.db.Create(&pageView).Error; err != nil {
		return nil, fmt.Errorf("erreur création page view: %w", err)
	}

	// Incrément atomique côté storage, pas de lecture-modification
	err := ts.db.Model(&Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"page_views": gorm.Expr("page_views + 1"),
			"ended_at":   time.Now(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("erreur mise à jour session: %w", err)
	}

	ts.realtime.RecordPageView(context.Background(), visitorID)

	return &pageView, nil
}

// RecordEvent incrémente les compteurs d'événements de la session. Les
// types inconnus comptent dans events_count sans compteur dédié. Une
// session inconnue est ignorée silencieusement, le tracking ne remonte
// jamais d'échec au navigateur.
func (ts *TrackingService) RecordEvent(sessionID, eventType string) error {
	updates := map[string]interface{}{
		"events_count": gorm.Expr("events_count + 1"),
		"ended_at":     time.Now(),
	}
	if eventType == "form_submission" {
		updates["form_submissions"] = gorm.Expr("form_submissions + 1")
	}

	res := ts.db.Model(&Session{}).
		Where("session_id = ?", sessionID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("erreur enregistrement événement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		log.Debug().Str("session_id", sessionID).Msg("event on unknown session, dropped")
		return nil
	}

	ts.realtime.RecordEvent(context.Background(), eventType)

	return nil
}

// UpdatePageTime reporte le temps passé sur une page et recalcule la
// durée de la session comme la somme des temps de toutes ses pages
func (ts *TrackingService) UpdatePageTime(pageViewID uint64, seconds int) error {
	var pageView PageView
	err := ts.db.First(&pageView, pageViewID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Debug().Uint64("page_view_id", pageViewID).Msg("heartbeat on unknown page view, dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("erreur lecture page view: %w", err)
	}

	err = ts.db.Model(&pageView).Update("time_on_page", seconds).Error
	if err != nil {
		return fmt.Errorf("erreur mise à jour page view: %w", err)
	}

	return ts.refreshDuration(pageView.SessionID)
}

// Recalcule la durée de la session en SQL pour rester correct sous
// heartbeats concurrents, et rafraîchit le filigrane
func (ts *TrackingService) refreshDuration(sessionID string) error {
	err := ts.db.Model(&Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"duration": gorm.Expr("(SELECT COALESCE(SUM(time_on_page), 0) FROM page_views WHERE session_id = ?)", sessionID),
			"ended_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("erreur recalcul durée: %w", err)
	}
	return nil
}

// Close clôture une session: marque la dernière page vue comme page de
// sortie, la marque aussi comme rebond si la session n'a qu'une seule
// page, et fige la durée. Une session inconnue est ignorée. Re-clôturer
// une session déjà close re-marque la même page et recalcule la durée,
// sans erreur.
func (ts *TrackingService) Close(sessionID string, finalPageSeconds *int) error {
	var session Session
	err := ts.db.Where("session_id = ?", sessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Debug().Str("session_id", sessionID).Msg("close on unknown session, dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("erreur lecture session: %w", err)
	}

	var lastPage PageView
	err = ts.db.Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		First(&lastPage).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("erreur lecture dernière page: %w", err)
	}

	if err == nil {
		if finalPageSeconds != nil && *finalPageSeconds > lastPage.TimeOnPage {
			lastPage.TimeOnPage = *finalPageSeconds
		}

		// Une seule page de sortie par session, même après réouverture.
		// Le rebond d'une clôture précédente est aussi remis à zéro: une
		// session rouverte qui a gagné des pages n'est plus un rebond.
		err = ts.db.Model(&PageView{}).
			Where("session_id = ? AND (exit_page OR bounce)", sessionID).
			Updates(map[string]interface{}{
				"exit_page": false,
				"bounce":    false,
			}).Error
		if err != nil {
			return fmt.Errorf("erreur réinitialisation page de sortie: %w", err)
		}

		updates := map[string]interface{}{
			"exit_page":    true,
			"time_on_page": lastPage.TimeOnPage,
			// Rebond: exactement une page vue à la clôture
			"bounce": session.PageViews == 1,
		}
		if err := ts.db.Model(&lastPage).Updates(updates).Error; err != nil {
			return fmt.Errorf("erreur marquage page de sortie: %w", err)
		}
	}

	now := time.Now()
	duration := int(now.Sub(session.StartedAt).Seconds())
	err = ts.db.Model(&session).Updates(map[string]interface{}{
		"ended_at": now,
		"duration": duration,
		"closed":   true,
	}).Error
	if err != nil {
		return fmt.Errorf("erreur clôture session: %w", err)
	}

	return nil
}

// LinkEntity attribue rétroactivement toutes les sessions non liées du
// visiteur à un lead ou un contact. Un lien existant n'est jamais
// écrasé (première attribution gagnante). Retourne le nombre de
// sessions liées, zéro si rien ne correspond.
func (ts *TrackingService) LinkEntity(visitorID string, leadID, contactID *string) (int64, error) {
	query := ts.db.Model(&Session{}).
		Where("visitor_id = ? AND lead_id IS NULL AND contact_id IS NULL", visitorID)

	var res *gorm.DB
	switch {
	case leadID != nil:
		res = query.Update("lead_id", *leadID)
	case contactID != nil:
		res = query.Update("contact_id", *contactID)
	default:
		return 0, fmt.Errorf("lead_id ou contact_id requis")
	}

	if res.Error != nil {
		return 0, fmt.Errorf("erreur attribution sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// StartSweep démarre le balayage périodique des sessions dont le
// filigrane est sorti de la fenêtre d'inactivité
func (ts *TrackingService) StartSweep(spec string) error {
	if spec == "" {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := ts.SweepStale(); err != nil {
			log.Error().Err(err).Msg("session sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("planning cron invalide %q: %w", spec, err)
	}

	c.Start()
	ts.cron = c
	return nil
}

func (ts *TrackingService) StopSweep() {
	if ts.cron != nil {
		ts.cron.Stop()
	}
}

// SweepStale clôture les sessions restées silencieuses au-delà de la
// fenêtre d'inactivité. Le filigrane est conservé comme timestamp de
// fin: la session s'est terminée à sa dernière activité, pas au moment
// du balayage.
func (ts *TrackingService) SweepStale() error {
	cutoff := time.Now().Add(-ts.window)

	var stale []Session
	err := ts.db.
		Where("NOT closed AND ((ended_at IS NOT NULL AND ended_at < ?) OR (ended_at IS NULL AND started_at < ?))", cutoff, cutoff).
		Find(&stale).Error
	if err != nil {
		return fmt.Errorf("erreur recherche sessions inactives: %w", err)
	}

	for i := range stale {
		if err := ts.finalizeStale(&stale[i]); err != nil {
			log.Error().Err(err).Str("session_id", stale[i].SessionID).Msg("failed to finalize stale session")
		}
	}

	if len(stale) > 0 {
		log.Info().Int("sessions", len(stale)).Msg("stale sessions closed")
	}

	return nil
}

func (ts *TrackingService) finalizeStale(session *Session) error {
	endedAt := session.StartedAt
	if session.EndedAt != nil {
		endedAt = *session.EndedAt
	}

	var lastPage PageView
	err := ts.db.Where("session_id = ?", session.SessionID).
		Order("created_at DESC, id DESC").
		First(&lastPage).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if err == nil {
		// Mêmes règles qu'à la clôture explicite: les flags d'une
		// clôture antérieure à une réouverture sont remis à zéro
		err = ts.db.Model(&PageView{}).
			Where("session_id = ? AND (exit_page OR bounce)", session.SessionID).
			Updates(map[string]interface{}{
				"exit_page": false,
				"bounce":    false,
			}).Error
		if err != nil {
			return err
		}

		err = ts.db.Model(&lastPage).Updates(map[string]interface{}{
			"exit_page": true,
			"bounce":    session.PageViews == 1,
		}).Error
		if err != nil {
			return err
		}
	}

	return ts.db.Model(session).Updates(map[string]interface{}{
		"ended_at": endedAt,
		"duration": int(endedAt.Sub(session.StartedAt).Seconds()),
		"closed":   true,
	}).Error
}

func (ts *TrackingService) lockForVisitor(visitorID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(visitorID))
	return &ts.visitorLocks[h.Sum32()%lockStripes]
}
