package handlers_summary

import (
	"errors"
	"littletrack/internal/models/ltsummary"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type SummaryHandler struct {
	service *ltsummary.SummaryService
}

func NewSummaryHandler(service *ltsummary.SummaryService) *SummaryHandler {
	return &SummaryHandler{
		service: service,
	}
}

// Summary retourne le résumé agrégé d'un visiteur
func (sh *SummaryHandler) Summary(c *gin.Context) {
	visitorID := c.Param("visitor_id")

	summary, err := sh.service.GetVisitorSummary(visitorID)
	if err != nil {
		if errors.Is(err, ltsummary.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Visiteur inconnu"})
			return
		}
		log.Error().Err(err).Str("visitor_id", visitorID).Msg("visitor summary failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Résumé indisponible"})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Timeline retourne les sessions attribuées à un lead ou un contact,
// de la plus récente à la plus ancienne
func (sh *SummaryHandler) Timeline(c *gin.Context) {
	entityType := c.Param("entity_type")
	entityID := c.Param("entity_id")

	if entityType != "lead" && entityType != "contact" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Type d'entité invalide"})
		return
	}

	timeline, err := sh.service.GetTimeline(entityType, entityID)
	if err != nil {
		log.Error().Err(err).Str("entity_id", entityID).Msg("timeline failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Timeline indisponible"})
		return
	}

	c.JSON(http.StatusOK, timeline)
}
