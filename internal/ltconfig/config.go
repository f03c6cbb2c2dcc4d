package ltconfig

import (
	"fmt"
	"log/syslog"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	TrustedProxies  []string       `yaml:"trustedproxies"`
	TrustedPlatform string         `yaml:"trustedplatform"`
	Database        DatabaseConfig `yaml:"database"`
	Redis           RedisConfig    `yaml:"redis"`
	GeoIP           GeoIPConfig    `yaml:"geoip"`
	Tracking        TrackingConfig `yaml:"tracking"`
	User            UserConfig     `yaml:"user"`
	Production      bool           `yaml:"production"`
	Listen          ListenConfig   `yaml:"listen"`
	Logger          LoggerConfig   `yaml:"logger"`
}

type TrackingConfig struct {
	// Fenêtre d'inactivité en minutes avant qu'une session ne soit
	// plus réutilisable (defaut 30)
	WindowMinutes int `yaml:"windowminutes"`
	// Planning cron du balayage des sessions inactives, vide = désactivé
	Sweep string `yaml:"sweep"`
	// Origine autorisée pour le CORS, "*" par defaut
	CorsOrigin string `yaml:"corsorigin"`
	// Limite de requêtes de tracking par minute et par IP (defaut 300)
	RateLimit int64 `yaml:"ratelimit"`
}

type GeoIPConfig struct {
	// Chemin vers une base GeoLite2-City.mmdb, vide = pas de géolocalisation
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
	Db   int    `yaml:"db"`
}

type LoggerConfig struct {
	Level  string             `yaml:"level"`
	File   LoggerFileConfig   `yaml:"file"`
	Syslog LoggerSyslogConfig `yaml:"syslog"`
}

type LoggerFileConfig struct {
	Enable     bool   `yaml:"enable"`
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"maxsize"`
	MaxBackups int    `yaml:"maxbackups"`
	MaxAge     int    `yaml:"maxage"`
	Compress   bool   `yaml:"compress"`
}

type LoggerSyslogConfig struct {
	Enable   bool            `yaml:"enable"`
	Protocol string          `yaml:"protocol"`
	Address  string          `yaml:"address"`
	Tag      string          `yaml:"tag"`
	Priority syslog.Priority `yaml:"priority"`
}

type ListenConfig struct {
	Website string `yaml:"website"`
	Metrics string `yaml:"metrics"`
}

type UserConfig struct {
	Login string `yaml:"login"`
	Pass  string `yaml:"pass"`
	Hash  string `yaml:"hash"`
}

type DatabaseConfig struct {
	Db   string `yaml:"db"`
	Path string `yaml:"path"`
	Dsn  string `yaml:"dsn"`
}

func CreateExampleConfig(filename string) (string, error) {
	example := &Config{
		Database: DatabaseConfig{
			Db:   "sqlite",
			Path: "./tracking.db",
		},
		Tracking: TrackingConfig{
			WindowMinutes: 30,
			Sweep:         "*/10 * * * *",
			CorsOrigin:    "*",
			RateLimit:     300,
		},
		User: UserConfig{
			Login: "admin",
			Pass:  "admin1234",
		},
		Production: false,
		Logger: LoggerConfig{
			Level: "info",
			File: LoggerFileConfig{
				Enable: false,
			},
			Syslog: LoggerSyslogConfig{
				Enable: false,
			},
		},
		Listen: ListenConfig{
			Website: "0.0.0.0:8080",
		},
	}

	if filename == "/etc/" {
		example.Listen.Website = "127.0.0.1:8000"
		example.Production = true
		example.Database.Path = "/var/lib/littletrack/sqlite.db"
		example.Logger.File = LoggerFileConfig{
			Enable:     true,
			Path:       "/var/log/littletrack/littletrack.log",
			MaxSize:    100,
			MaxBackups: 30,
			MaxAge:     7,
			Compress:   true,
		}
		filename = "/etc/littletrack/config.yaml"
	}

	return filename, WriteConfigYaml(filename, example)
}

func WriteConfigYaml(filename string, conf *Config) error {
	data, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

// Charger la configuration YAML
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("impossible de lire le fichier %s: %v", filename, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("erreur de parsing YAML: %v", err)
	}

	config.ApplyDefaults()

	return &config, nil
}

// Compléter les valeurs absentes avec les defauts
func (c *Config) ApplyDefaults() {
	if c.Tracking.WindowMinutes <= 0 {
		c.Tracking.WindowMinutes = 30
	}
	if c.Tracking.CorsOrigin == "" {
		c.Tracking.CorsOrigin = "*"
	}
	if c.Tracking.RateLimit <= 0 {
		c.Tracking.RateLimit = 300
	}
	if c.Listen.Website == "" {
		c.Listen.Website = "localhost:8080"
	}
}

// Valider la cohérence de la configuration
func (c *Config) Validate() error {
	switch c.Database.Db {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path ne peut pas être vide")
		}
	case "mysql":
		if c.Database.Dsn == "" {
			return fmt.Errorf("database.dsn ne peut pas être vide")
		}
	case "":
		return fmt.Errorf("database.db ne peut pas être vide")
	default:
		return fmt.Errorf("le type de database doit etre sqlite ou mysql")
	}
	return nil
}

func CreateExample(shouldCreateExample bool, configFile string) {
	// Handle example creation
	if shouldCreateExample {
		if err := handleExampleCreation(configFile); err != nil {
			fmt.Printf("❌ %v\n", err)
		}
		os.Exit(1)
	}

	_, err := os.Stat(configFile)
	if err != nil && os.IsNotExist(err) {
		if err := handleExampleCreation(configFile); err != nil {
			fmt.Printf("❌ %v\n", err)
			os.Exit(1)
		}

	}
}

func handleExampleCreation(filename string) error {
	if filename == "" {
		filename = "littletrack.yaml"
	}
	filename, err := CreateExampleConfig(filename)
	if err != nil {
		return fmt.Errorf("erreur création exemple: %v", err)
	}

	fmt.Printf("✅ Fichier exemple créé: %s", filename)
	fmt.Println("⚠️  user.pass sera automatiquement hash en argon2 dans user.hash au premier lancement")
	return nil
}

func DisplayConfiguration(config *Config, version string) {
	logPrintf("Littletrack version %s", version)

	logPrintf("Mode Production %v", config.Production)
	logPrintf("Administrateur login %s", config.User.Login)

	logPrintf("Database")
	if config.Database.Db == "sqlite" {
		logPrintf("  • Type sqlite")
		logPrintf("  • Path %s", config.Database.Path)
	}
	if config.Database.Db == "mysql" {
		logPrintf("  • Type mysql")
		logPrintf("  • DSN %s", config.Database.Dsn)
	}
	if config.Redis.Addr != "" {
		logPrintf("  • Compteurs temps réel redis %s", config.Redis.Addr)
	} else {
		logPrintf("  • Compteurs temps réel désactivés")
	}

	if config.Listen.Metrics != "" {
		logPrintf("  • Metrics prometheus sur %s", config.Listen.Metrics)
	}

	logPrintf("Tracking")
	logPrintf("  • Fenêtre d'inactivité %d minutes", config.Tracking.WindowMinutes)
	if config.Tracking.Sweep != "" {
		logPrintf("  • Balayage des sessions inactives \"%s\"", config.Tracking.Sweep)
	} else {
		logPrintf("  • Balayage désactivé, clôture uniquement à la lecture")
	}
	if config.GeoIP.Path != "" {
		logPrintf("  • Géolocalisation avec %s", config.GeoIP.Path)
	} else {
		logPrintf("  • Géolocalisation désactivée")
	}

	// Logger
	logPrintf("Logger en level %s", config.Logger.Level)
	if config.Logger.File.Enable {
		logPrintf("  Log en fichier activé")
		logPrintf("  • Path %s", config.Logger.File.Path)
		logPrintf("  • Max size %d", config.Logger.File.MaxSize)
		logPrintf("  • Max age %d", config.Logger.File.MaxAge)
		logPrintf("  • Max backup %d", config.Logger.File.MaxBackups)
		logPrintf("  • Compression %v", config.Logger.File.Compress)
	} else {
		logPrintf("  Log en fichier désactivé")
	}
	if config.Logger.Syslog.Enable {
		logPrintf("  Log en syslog activé")
		logPrintf("  • Protocol %s", config.Logger.Syslog.Protocol)
		logPrintf("  • Address %s", config.Logger.Syslog.Address)
		logPrintf("  • Tag %s", config.Logger.Syslog.Tag)
		logPrintf("  • Priority %v", config.Logger.Syslog.Priority)
	} else {
		logPrintf("  Log en syslog désactivé")
	}
}

// Info logue avec printf
func logPrintf(format string, a ...any) {
	log.Info().Msg(fmt.Sprintf(format, a...))
}
