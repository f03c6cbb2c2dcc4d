package handlers_tracking

import (
	"littletrack/internal/ltmiddleware"
	"littletrack/internal/models/lttracking"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Pixel transparent 1x1 pour le tracking sans JavaScript
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type TrackingHandler struct {
	service *lttracking.TrackingService
}

func NewTrackingHandler(service *lttracking.TrackingService) *TrackingHandler {
	return &TrackingHandler{
		service: service,
	}
}

// Requests structs
type PageViewRequest struct {
	VisitorID   string  `json:"visitor_id"`
	SessionID   string  `json:"session_id"`
	LeadID      *string `json:"lead_id"`
	ContactID   *string `json:"contact_id"`
	PageURL     string  `json:"page_url" binding:"required"`
	PageTitle   string  `json:"page_title"`
	Referrer    string  `json:"referrer"`
	UserAgent   string  `json:"user_agent"`
	IP          string  `json:"ip"`
	Country     string  `json:"country"`
	Region      string  `json:"region"`
	City        string  `json:"city"`
	UtmSource   string  `json:"utm_source"`
	UtmMedium   string  `json:"utm_medium"`
	UtmCampaign string  `json:"utm_campaign"`
}

type EventRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	EventType string `json:"event_type" binding:"required"`
}

type HeartbeatRequest struct {
	SessionID         string `json:"session_id"`
	PageViewID        uint64 `json:"page_view_id" binding:"required"`
	TimeOnPageSeconds int    `json:"time_on_page_seconds"`
}

type SessionEndRequest struct {
	SessionID         string `json:"session_id"`
	TimeOnPageSeconds *int   `json:"time_on_page_seconds"`
}

type LinkRequest struct {
	VisitorID string  `json:"visitor_id" binding:"required"`
	LeadID    *string `json:"lead_id"`
	ContactID *string `json:"contact_id"`
}

// PageView enregistre une vue de page: résolution du visiteur,
// raccordement de la session, création de la page vue
func (th *TrackingHandler) PageView(c *gin.Context) {
	var req PageViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Données invalides"})
		return
	}

	// Compléter avec la requête HTTP si le client n'a rien fourni
	if req.UserAgent == "" {
		req.UserAgent = c.Request.UserAgent()
	}
	if req.IP == "" {
		req.IP = ltmiddleware.ClientIP(c)
	}
	if req.Referrer == "" {
		req.Referrer = c.Request.Referer()
	}

	visitor, session, pageView, err := th.track(req)
	if err != nil {
		log.Error().Err(err).Msg("pageview tracking failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Tracking indisponible"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"visitor_id":   visitor.VisitorID,
		"session_id":   session.SessionID,
		"page_view_id": pageView.ID,
	})
}

func (th *TrackingHandler) track(req PageViewRequest) (*lttracking.Visitor, *lttracking.Session, *lttracking.PageView, error) {
	visitor, err := th.service.ResolveVisitor(req.VisitorID, lttracking.VisitorMeta{
		UserAgent: req.UserAgent,
		IPAddress: req.IP,
		Referrer:  req.Referrer,
		FirstPage: req.PageURL,
		Country:   req.Country,
		Region:    req.Region,
		City:      req.City,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	session, err := th.service.Stitch(visitor.VisitorID, lttracking.SessionHints{
		SessionID:   req.SessionID,
		LeadID:      req.LeadID,
		ContactID:   req.ContactID,
		UtmSource:   req.UtmSource,
		UtmMedium:   req.UtmMedium,
		UtmCampaign: req.UtmCampaign,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	pageView, err := th.service.RecordPageView(session.SessionID, visitor.VisitorID, req.PageURL, req.PageTitle)
	if err != nil {
		return nil, nil, nil, err
	}

	return visitor, session, pageView, nil
}

// Event enregistre un événement custom sur une session existante. Une
// session inconnue est acceptée silencieusement: le script de tracking
// ne doit jamais voir d'échec.
func (th *TrackingHandler) Event(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Données invalides"})
		return
	}

	if err := th.service.RecordEvent(req.SessionID, req.EventType); err != nil {
		log.Error().Err(err).Msg("event tracking failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Tracking indisponible"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Heartbeat reporte le temps passé sur une page
func (th *TrackingHandler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Données invalides"})
		return
	}

	if err := th.service.UpdatePageTime(req.PageViewID, req.TimeOnPageSeconds); err != nil {
		log.Error().Err(err).Msg("heartbeat failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Tracking indisponible"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// SessionEnd clôture une session. Envoyé par sendBeacon au déchargement
// de la page: pas de corps de réponse, et un payload illisible est
// toléré sans erreur.
func (th *TrackingHandler) SessionEnd(c *gin.Context) {
	var req SessionEndRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.Status(http.StatusNoContent)
		return
	}

	if err := th.service.Close(req.SessionID, req.TimeOnPageSeconds); err != nil {
		// Best-effort, le navigateur n'attend déjà plus la réponse
		log.Error().Err(err).Str("session_id", req.SessionID).Msg("session close failed")
	}

	c.Status(http.StatusNoContent)
}

// Link attribue rétroactivement les sessions d'un visiteur à un lead
// ou un contact CRM
func (th *TrackingHandler) Link(c *gin.Context) {
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Données invalides"})
		return
	}
	if req.LeadID == nil && req.ContactID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lead_id ou contact_id requis"})
		return
	}

	linked, err := th.service.LinkEntity(req.VisitorID, req.LeadID, req.ContactID)
	if err != nil {
		log.Error().Err(err).Msg("entity linking failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Attribution indisponible"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "linked": linked})
}

// Pixel enregistre une vue de page via une image 1x1, pour les
// contextes sans JavaScript
func (th *TrackingHandler) Pixel(c *gin.Context) {
	pageURL := c.Query("page_url")
	if pageURL == "" {
		pageURL = c.Request.Referer()
	}

	if pageURL != "" {
		req := PageViewRequest{
			VisitorID: c.Query("visitor_id"),
			SessionID: c.Query("session_id"),
			PageURL:   pageURL,
			PageTitle: c.Query("page_title"),
			Referrer:  c.Request.Referer(),
			UserAgent: c.Request.UserAgent(),
			IP:        ltmiddleware.ClientIP(c),
		}
		if _, _, _, err := th.track(req); err != nil {
			// Le pixel répond toujours, même si le tracking a échoué
			log.Error().Err(err).Msg("pixel tracking failed")
		}
	}

	c.Header("Cache-Control", "no-store, no-cache, must-revalidate")
	c.Data(http.StatusOK, "image/gif", pixelGIF)
}
