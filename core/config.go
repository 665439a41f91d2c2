package core

import (
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

var Conf *Config

type (
	ServerConfig struct {
		Host            string
		Port            int
		AccessTokenTTL  time.Duration
		RefreshTokenTTL time.Duration
	}

	AuthConfig struct {
		BcryptCost       int
		FailedLoginLimit int
		LockoutWindow    time.Duration
		PasswordMaxAge   time.Duration
		ResetTokenTTL    time.Duration
		BackupCodeCount  int
	}

	DatabaseConfig struct {
		Engine        string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		Host          string
		Port          int
		DisableTLS    bool
	}

	Config struct {
		Env      string
		Build    string
		Debug    bool
		TestMode bool

		AppName         string
		SecretKey       string
		WorkDir         string
		FrontendBaseURL string

		DefaultFromEmail mail.Address
		SendgridApiKey   string
		RollbarToken     string

		Server   ServerConfig
		Auth     AuthConfig
		Database DatabaseConfig
	}
)

func (c DatabaseConfig) Address() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func init() {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Talim")
	v.SetDefault("secretKey", "w3+u$ier)xcb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm&emy")
	v.SetDefault("workDir", Getwd())
	v.SetDefault("frontendBaseURL", "http://localhost:3000")
	v.SetDefault("defaultFromEmail", "noreply@localhost")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.accessTokenTTL", 15*time.Minute)
	v.SetDefault("server.refreshTokenTTL", 30*24*time.Hour)

	v.SetDefault("auth.bcryptCost", bcrypt.DefaultCost)
	v.SetDefault("auth.failedLoginLimit", 5)
	v.SetDefault("auth.lockoutWindow", 15*time.Minute)
	v.SetDefault("auth.passwordMaxAge", 180*24*time.Hour)
	v.SetDefault("auth.resetTokenTTL", time.Hour)
	v.SetDefault("auth.backupCodeCount", 10)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.name", "talim")
	v.SetDefault("database.user", "talim")
	v.SetDefault("database.password", "")
	v.SetDefault("database.adminUser", "")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.disableTLS", true)

	env := os.Getenv("ENV") // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	case "QA", "PROD":
		v.SetDefault("debug", false)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(Getwd(), "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	Conf = &Config{
		Env:      env,
		Build:    v.GetString("build"),
		Debug:    v.GetBool("debug"),
		TestMode: v.GetBool("testMode"),

		AppName:         v.GetString("appName"),
		SecretKey:       v.GetString("secretKey"),
		WorkDir:         v.GetString("workDir"),
		FrontendBaseURL: v.GetString("frontendBaseURL"),

		DefaultFromEmail: mail.Address{Name: v.GetString("appName"), Address: v.GetString("defaultFromEmail")},
		SendgridApiKey:   v.GetString("sendgridApiKey"),
		RollbarToken:     v.GetString("rollbarToken"),

		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			AccessTokenTTL:  v.GetDuration("server.accessTokenTTL"),
			RefreshTokenTTL: v.GetDuration("server.refreshTokenTTL"),
		},
		Auth: AuthConfig{
			BcryptCost:       v.GetInt("auth.bcryptCost"),
			FailedLoginLimit: v.GetInt("auth.failedLoginLimit"),
			LockoutWindow:    v.GetDuration("auth.lockoutWindow"),
			PasswordMaxAge:   v.GetDuration("auth.passwordMaxAge"),
			ResetTokenTTL:    v.GetDuration("auth.resetTokenTTL"),
			BackupCodeCount:  v.GetInt("auth.backupCodeCount"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			Host:          v.GetString("database.host"),
			Port:          v.GetInt("database.port"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
	}
}
