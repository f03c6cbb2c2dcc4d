package handlers_admin

import (
	"littletrack/internal/ltconfig"
	"littletrack/internal/ltredis"
	"littletrack/internal/models/ltsummary"
	"net/http"

	"github.com/andskur/argon2-hashing"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type AdminHandler struct {
	config   *ltconfig.Config
	realtime *ltredis.Store
	summary  *ltsummary.SummaryService
}

func NewAdminHandler(config *ltconfig.Config, realtime *ltredis.Store, summary *ltsummary.SummaryService) *AdminHandler {
	return &AdminHandler{
		config:   config,
		realtime: realtime,
		summary:  summary,
	}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login authentifie l'administrateur et ouvre la session
func (ah *AdminHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Données invalides"})
		return
	}

	// Vérification login / pass
	err := argon2.CompareHashAndPassword([]byte(ah.config.User.Hash), []byte(req.Password))
	if err != nil || req.Username != ah.config.User.Login {
		log.Warn().Str("user", req.Username).Str("ip", c.ClientIP()).Msg("Tentative de connexion échouée")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Identifiants incorrects"})
		return
	}
	log.Info().Str("user", req.Username).Str("ip", c.ClientIP()).Msg("Connexion réussie")

	// Créer la session
	session := sessions.Default(c)
	session.Set("user_id", "admin")
	session.Set("username", req.Username)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erreur session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Connexion réussie"})
}

func (ah *AdminHandler) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Save()

	c.JSON(http.StatusOK, gin.H{"message": "Déconnexion réussie"})
}

// Stats combine les totaux en base et les compteurs temps réel redis
func (ah *AdminHandler) Stats(c *gin.Context) {
	totals, err := ah.summary.GetTotals()
	if err != nil {
		log.Error().Err(err).Msg("admin stats failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Statistiques indisponibles"})
		return
	}

	stats := gin.H{}
	for k, v := range totals {
		stats[k] = v
	}

	// Redis indisponible: on retourne quand même les totaux en base
	today, err := ah.realtime.TodayStats(c.Request.Context())
	if err != nil {
		log.Warn().Err(err).Msg("realtime stats unavailable")
	}
	for k, v := range today {
		stats[k] = v
	}

	c.JSON(http.StatusOK, stats)
}
