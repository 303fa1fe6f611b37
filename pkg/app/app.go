package app

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-perso/pkg/certs"
	"github.com/jeremyhahn/go-perso/pkg/keystore"
	"github.com/jeremyhahn/go-perso/pkg/logging"
	"github.com/jeremyhahn/go-perso/pkg/perso"
)

const Name = "go-perso"

// KeyConfig selects the certificate endorsement key source for a run.
// Exactly one source is active: a local PKCS #8 key file or a Cloud
// KMS crypto key version.
type KeyConfig struct {
	Source   string `yaml:"source" mapstructure:"source"`
	Path     string `yaml:"path" mapstructure:"path"`
	Password string `yaml:"password" mapstructure:"password"`
	Name     string `yaml:"name" mapstructure:"name"`
}

type AppInitParams struct {
	Debug      bool
	ConfigDir  string
	LogDir     string
	DevicePath string
}

// App carries the run configuration, logger and filesystem shared by
// the CLI commands.
type App struct {
	DebugFlag      bool      `yaml:"debug" mapstructure:"debug"`
	DevicePath     string    `yaml:"device" mapstructure:"device"`
	TimeoutSeconds int       `yaml:"timeout-seconds" mapstructure:"timeout-seconds"`
	CACertificate  string    `yaml:"ca-certificate" mapstructure:"ca-certificate"`
	CertInputs     string    `yaml:"cert-inputs" mapstructure:"cert-inputs"`
	TokenHash      string    `yaml:"token-hash" mapstructure:"token-hash"`
	HashOrder      string    `yaml:"hash-order" mapstructure:"hash-order"`
	Key            KeyConfig `yaml:"key" mapstructure:"key"`

	ConfigDir string          `yaml:"-" mapstructure:"-"`
	LogDir    string          `yaml:"-" mapstructure:"-"`
	Logger    *logging.Logger `yaml:"-" mapstructure:"-"`
	FS        afero.Fs        `yaml:"-" mapstructure:"-"`
}

func NewApp() *App {
	return &App{
		FS: afero.NewOsFs(),
	}
}

func (app *App) Init(params *AppInitParams) *App {
	if params != nil {
		app.DebugFlag = params.Debug
		app.ConfigDir = params.ConfigDir
		app.LogDir = params.LogDir
		app.DevicePath = params.DevicePath
	}
	app.initConfig()
	app.initLogger()
	return app
}

// Read and parse the platform configuration file. A missing file is
// not an error; flags and defaults cover a complete run configuration.
func (app *App) initConfig() {

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(app.ConfigDir)
	viper.AddConfigPath(fmt.Sprintf("$HOME/.%s/", Name))
	viper.AddConfigPath(".")

	viper.SetDefault("timeout-seconds", 600)
	viper.SetDefault("hash-order", "reversed")
	viper.SetDefault("key.source", "local")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	if err := viper.Unmarshal(app); err != nil {
		panic(err)
	}
}

// Creates a new file and STDOUT logger. If the debug flag is set, the
// logger is initialized in debug mode, executing all logger.Debug*
// statements.
func (app *App) initLogger() {

	level := slog.LevelInfo
	if app.DebugFlag {
		level = slog.LevelDebug
	}

	var logFile afero.File
	if app.LogDir != "" {
		if err := app.FS.MkdirAll(app.LogDir, 0755); err == nil {
			logFile, _ = app.FS.OpenFile(
				path.Join(app.LogDir, Name+".log"),
				os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		}
	}

	app.Logger = logging.NewLogger(level, logFile)
}

func (app *App) Timeout() time.Duration {
	return time.Duration(app.TimeoutSeconds) * time.Second
}

// EndorsementKey resolves the configured key source.
func (app *App) EndorsementKey() (keystore.EndorsementKey, error) {
	switch app.Key.Source {
	case "local", "":
		return keystore.NewLocalKey(
			app.FS, app.Logger, app.Key.Path, []byte(app.Key.Password)), nil
	case "gcpkms":
		return keystore.NewKMSKey(
			context.Background(), app.Logger, app.Key.Name)
	}
	return nil, fmt.Errorf("%w: unknown key source %q",
		keystore.ErrKeyLoad, app.Key.Source)
}

// RootCA loads the trusted root used for chain validation.
func (app *App) RootCA() (*x509.Certificate, error) {
	return certs.LoadCertificate(app.FS, app.CACertificate)
}

// CertGenInputs loads the opaque certificate generation payload.
func (app *App) CertGenInputs() ([]byte, error) {
	return afero.ReadFile(app.FS, app.CertInputs)
}

// TokenHashBytes decodes the configured RMA unlock token hash.
func (app *App) TokenHashBytes() ([]byte, error) {
	if app.TokenHash == "" {
		return nil, nil
	}
	return hex.DecodeString(app.TokenHash)
}

func (app *App) HashByteOrder() perso.HashByteOrder {
	if app.HashOrder == "direct" {
		return perso.HashOrderDirect
	}
	return perso.HashOrderReversed
}
