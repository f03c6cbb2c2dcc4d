package main

import (
	"crypto/sha256"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"littletrack/internal/gormzerologger"
	handlers_admin "littletrack/internal/handlers/admin"
	handlers_summary "littletrack/internal/handlers/summary"
	handlers_tracking "littletrack/internal/handlers/tracking"
	"littletrack/internal/ltconfig"
	"littletrack/internal/ltgeo"
	"littletrack/internal/ltlog"
	"littletrack/internal/ltmiddleware"
	"littletrack/internal/ltredis"
	"littletrack/internal/models/ltsummary"
	"littletrack/internal/models/lttracking"

	"github.com/andskur/argon2-hashing"
	"github.com/gin-gonic/gin"
	"github.com/penglongli/gin-metrics/ginmetrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const VERSION string = "0.3.0"

// global instance
var (
	db            *gorm.DB
	configuration *ltconfig.Config
	realtime      *ltredis.Store
	tracking      *lttracking.TrackingService
	summary       *ltsummary.SummaryService
	BuildID       string
)

//go:embed ressources/js
var staticFS embed.FS

// ============= CONFIGURATION =============

func parseCommandLineArgs() (configFile string, shouldCreateExample bool, versionDisplay bool, err error) {
	var config = flag.String("config", "", "Fichier de configuration YAML")
	var example = flag.Bool("example", false, "Créer un fichier de configuration exemple")
	var version = flag.Bool("version", false, "version du produit")
	flag.Parse()

	if *version {
		return "", false, true, nil
	}

	if *example {
		return "", true, false, nil
	}

	if *config == "" {
		return "", false, false, fmt.Errorf("fichier de configuration requis")
	}

	return *config, false, false, nil
}

func initConfiguration() {
	configFile, shouldCreateExample, versionDisplay, err := parseCommandLineArgs()
	if err != nil {
		fmt.Println("Usage:")
		fmt.Println("  littletrack -config littletrack.yaml")
		fmt.Println("  littletrack -example  (pour créer un fichier exemple)")
		fmt.Println("  littletrack -version  (affiche la version)")
		os.Exit(1)
	}

	if versionDisplay {
		println(VERSION)
		os.Exit(0)
	}

	ltconfig.CreateExample(shouldCreateExample, configFile)

	// Load and validate configuration
	conf, err := loadAndConvertConfig(configFile)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	configuration = conf
}

func loadAndConvertConfig(configFile string) (*ltconfig.Config, error) {
	conf, err := ltconfig.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if strings.HasPrefix(conf.Listen.Website, ":") {
		conf.Listen.Website = "localhost" + conf.Listen.Website
	}

	// Au premier lancement le mot de passe en clair est remplacé par
	// son hash argon2 dans le fichier
	if conf.User.Pass != "" {
		if len(conf.User.Pass) < 8 {
			return nil, fmt.Errorf("le mot de passe doit contenir au moins 8 caractères")
		}

		hash, err := HashPassword(conf.User.Pass)
		if err != nil {
			return nil, err
		}
		conf.User.Hash = hash
		conf.User.Pass = ""
		if err := ltconfig.WriteConfigYaml(configFile, conf); err != nil {
			return nil, err
		}
	}

	return conf, nil
}

func HashPassword(password string) (string, error) {
	hash, err := argon2.GenerateFromPassword([]byte(password), argon2.DefaultParams)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ============= INITIALISATION =============

func initDatabase() {
	var err error
	gormConfig := &gorm.Config{
		Logger: gormzerologger.New(configuration.Logger.Level),
	}

	switch configuration.Database.Db {
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(configuration.Database.Path), gormConfig)
	case "mysql":
		db, err = gorm.Open(mysql.Open(configuration.Database.Dsn), gormConfig)
	default:
		err = fmt.Errorf("le type de database doit etre sqlite ou mysql")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Erreur connexion base de données")
	}

	log.Info().Msg("Base de données initialisée avec succès")
}

func initServices() {
	realtime = ltredis.New(configuration.Redis.Addr, configuration.Redis.Db)

	geo, err := ltgeo.Open(configuration.GeoIP.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Erreur ouverture base GeoIP")
	}

	window := time.Duration(configuration.Tracking.WindowMinutes) * time.Minute
	tracking, err = lttracking.NewTrackingService(db, realtime, geo, window)
	if err != nil {
		log.Fatal().Err(err).Msg("Erreur migration")
	}

	if configuration.Tracking.Sweep != "" {
		if err := tracking.StartSweep(configuration.Tracking.Sweep); err != nil {
			log.Fatal().Err(err).Msg("Erreur planning de balayage")
		}
	}

	summary = ltsummary.NewSummaryService(db, window)
}

// ============= SERVEUR =============

func newServer() *gin.Engine {
	if configuration.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	if configuration.TrustedProxies != nil {
		r.SetTrustedProxies(configuration.TrustedProxies)
	}
	if configuration.TrustedPlatform != "" {
		switch configuration.TrustedPlatform {
		case "cloudflare":
			r.TrustedPlatform = gin.PlatformCloudflare
		case "google":
			r.TrustedPlatform = gin.PlatformGoogleAppEngine
		case "flyio":
			r.TrustedPlatform = gin.PlatformFlyIO
		default:
			r.TrustedPlatform = configuration.TrustedPlatform
		}
	}

	return r
}

// Servir le script de tracking embarqué, minifié avec ETag
func serveTrackerJS(m *minify.M) gin.HandlerFunc {
	content, err := fs.ReadFile(staticFS, "ressources/js/tracker.js")
	if err != nil {
		log.Fatal().Err(err).Msg("Script de tracking absent du binaire")
	}

	minified, err := m.Bytes("application/javascript", content)
	if err != nil {
		minified = content
	}
	etag := generateETag(minified)

	return func(c *gin.Context) {
		// Le script est rechargé au plus toutes les heures par les sites suivis
		c.Header("Cache-Control", "public, max-age=3600")
		c.Header("ETag", etag)

		if c.GetHeader("If-None-Match") == etag {
			c.Status(http.StatusNotModified)
			return
		}

		c.Data(http.StatusOK, "application/javascript", minified)
	}
}

// Fonction helper pour générer un ETag
func generateETag(content []byte) string {
	hash := sha256.Sum256(content)
	return fmt.Sprintf(`"%x"`, hash[:16])
}

func setRoutes(r *gin.Engine) {
	m := minify.New()
	m.AddFunc("application/javascript", js.Minify)

	// middleware rate limiter
	middlewareLimiter := ltmiddleware.NewLimiter(configuration.Tracking.RateLimit)

	// metrics routes
	metrics := ginmetrics.GetMonitor()
	metrics.Use(r)

	//default
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Page non trouvée"})
	})

	trackingHandler := handlers_tracking.NewTrackingHandler(tracking)
	summaryHandler := handlers_summary.NewSummaryHandler(summary)
	adminHandler := handlers_admin.NewAdminHandler(configuration, realtime, summary)

	// Agent de tracking
	r.GET("/tracker.js", serveTrackerJS(m))
	r.GET("/pixel.gif", middlewareLimiter, trackingHandler.Pixel)

	// API de collecte
	track := r.Group("/api/track")
	track.Use(middlewareLimiter)
	{
		track.POST("/pageview", trackingHandler.PageView)
		track.POST("/event", trackingHandler.Event)
		track.POST("/heartbeat", trackingHandler.Heartbeat)
		track.POST("/session-end", trackingHandler.SessionEnd)
		track.POST("/link", trackingHandler.Link)
	}

	// API de lecture
	r.GET("/api/track/visitor-summary/:visitor_id", summaryHandler.Summary)
	r.GET("/api/track/timeline/:entity_type/:entity_id", summaryHandler.Timeline)

	// Routes d'authentification
	r.POST("/admin/login", middlewareLimiter, adminHandler.Login)
	r.POST("/admin/logout", adminHandler.Logout)

	// Routes d'administration protégées
	admin := r.Group("/admin")
	admin.Use(ltmiddleware.AuthRequired())
	{
		admin.GET("/stats", adminHandler.Stats)
	}
}

func startServer(r *gin.Engine) {
	if configuration.Listen.Metrics != "" {
		log.Info().Msgf("Metrics disponible sur http://%s/metrics", configuration.Listen.Metrics)
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			http.ListenAndServe(configuration.Listen.Metrics, nil)
		}()
	}

	log.Info().Msgf("Tracker démarré sur http://%s", configuration.Listen.Website)
	log.Info().Msgf("Script: http://%s/tracker.js", configuration.Listen.Website)
	r.Run(configuration.Listen.Website)
}

func main() {
	if BuildID == "" {
		BuildID = VERSION
	}

	initConfiguration()
	ltlog.InitLogger(configuration.Logger, configuration.Production)
	ltconfig.DisplayConfiguration(configuration, VERSION)
	initDatabase()
	initServices()

	r := newServer()

	ltmiddleware.InitMiddleware(r, configuration.Tracking.CorsOrigin, configuration.Production)
	setRoutes(r)

	startServer(r)
}
