package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds all process configuration, loaded from the environment.
// DATA_DIR is the only required value; everything else has a default that
// works for a single-node deployment.
type Settings struct {
	DataDir    string `envconfig:"DATA_DIR" required:"true"`
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	// Origin is the externally visible base URL, used to build the proxied
	// OPK chooser and OAuth callback URLs sent to the browser.
	Origin string `envconfig:"ORIGIN" default:"http://localhost:8000"`

	JWTSecret         string `envconfig:"JWT_SECRET" default:""`
	InternalAuthToken string `envconfig:"INTERNAL_AUTH_TOKEN" default:""`
	ActivityLogURL    string `envconfig:"ACTIVITY_LOG_URL" default:""`

	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// OPKBinaryPath overrides the OpenPubKey CLI location. Empty means
	// "opkssh" resolved from PATH.
	OPKBinaryPath string `envconfig:"OPK_BINARY_PATH" default:""`

	// MaxTerminalSessions is the per-user cap on concurrent terminal
	// sessions. Other session kinds share MaxSessionsPerUser.
	MaxTerminalSessions int `envconfig:"MAX_TERMINAL_SESSIONS" default:"3"`
	MaxSessionsPerUser  int `envconfig:"MAX_SESSIONS_PER_USER" default:"10"`

	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"120s"`
	AuthTimeout    time.Duration `envconfig:"AUTH_TIMEOUT" default:"60s"`
	ShellTimeout   time.Duration `envconfig:"SHELL_TIMEOUT" default:"15s"`
	OPKTimeout     time.Duration `envconfig:"OPK_TIMEOUT" default:"60s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("GANGWAY", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
