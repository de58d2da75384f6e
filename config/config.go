package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v6"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/yaoapp/kun/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Conf the active configuration
var Conf Config

// LogOutput the rotated log file
var LogOutput io.WriteCloser

// Init loads the configuration, reading .env from the working directory when
// present, and applies the run mode
func Init() error {
	filename, _ := filepath.Abs(filepath.Join(".", ".env"))
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		cfg, err := Load()
		if err != nil {
			return err
		}
		Conf = cfg
	} else {
		cfg, err := LoadFrom(filename)
		if err != nil {
			return err
		}
		Conf = cfg
	}

	if Conf.Mode == "development" {
		Development()
	} else {
		Production()
	}
	return nil
}

// LoadFrom loads the configuration with an env file overlaid
func LoadFrom(envfile string) (Config, error) {
	file, err := filepath.Abs(envfile)
	if err == nil {
		godotenv.Overload(file)
	}
	return Load()
}

// Load parses the configuration from the environment
func Load() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.Root, _ = filepath.Abs(cfg.Root)
	if !filepath.IsAbs(cfg.ProfilesPath) {
		cfg.ProfilesPath = filepath.Join(cfg.Root, cfg.ProfilesPath)
	}
	if !filepath.IsAbs(cfg.ProvidersPath) {
		cfg.ProvidersPath = filepath.Join(cfg.Root, cfg.ProvidersPath)
	}
	return cfg, nil
}

// Production switches logging and gin into production mode
func Production() {
	Conf.Mode = "production"
	log.SetLevel(log.InfoLevel)
	log.SetFormatter(log.TEXT)
	if Conf.LogMode == "JSON" {
		log.SetFormatter(log.JSON)
	}
	gin.SetMode(gin.ReleaseMode)
	ReloadLog()
}

// Development switches logging and gin into development mode
func Development() {
	Conf.Mode = "development"
	log.SetLevel(log.TraceLevel)
	log.SetFormatter(log.TEXT)
	if Conf.LogMode == "JSON" {
		log.SetFormatter(log.JSON)
	}
	gin.SetMode(gin.DebugMode)
	ReloadLog()
}

// ReloadLog reopens the log output
func ReloadLog() {
	CloseLog()
	OpenLog()
}

// OpenLog routes logging into the rotated log file. Without a configured
// path logging stays on stderr.
func OpenLog() {
	if Conf.Log == "" {
		return
	}

	logfile := Conf.Log
	if !filepath.IsAbs(logfile) {
		logfile = filepath.Join(Conf.Root, logfile)
	}

	logpath := filepath.Dir(logfile)
	if _, err := os.Stat(logpath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(logpath, 0755); err != nil {
			return
		}
	}

	LogOutput = &lumberjack.Logger{
		Filename:   logfile,
		MaxSize:    Conf.LogMaxSize, // megabytes
		MaxBackups: Conf.LogMaxBackups,
		MaxAge:     Conf.LogMaxAge, // days
	}

	log.SetOutput(LogOutput)
	gin.DefaultWriter = io.MultiWriter(LogOutput)
}

// CloseLog closes the current log output
func CloseLog() {
	if LogOutput != nil {
		if err := LogOutput.Close(); err != nil {
			log.Error("%s", err.Error())
			return
		}
		LogOutput = nil
	}
}
