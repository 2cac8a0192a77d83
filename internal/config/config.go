// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/encoding/ini"
	"github.com/spf13/viper"
)

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("hostport", func(fl validator.FieldLevel) bool {
		return ValidListenAddr(fl.Field().String())
	})
}

// Settings holds the full supervisor configuration, loaded from an ini file
// with MASTERD_* environment overrides.
type Settings struct {
	// Listeners. Socket accepts host:port or a unix socket path.
	HTTPSocket string `validate:"required,hostport"`
	Socket     string
	Stats      string `validate:"omitempty,hostport"`

	// Control API auth. Hash takes precedence over the plain token.
	StatsToken     string
	StatsTokenHash string

	// Worker command and environment
	Command string `validate:"required"`
	Chdir   string
	Env     []string
	UID     int `validate:"min=0"`
	GID     int `validate:"min=0"`

	// Pool sizing
	Processes      int `validate:"required,min=1"`
	Cheaper        int `validate:"min=0"`
	CheaperInitial int `validate:"min=0"`
	CheaperStep    int `validate:"min=1"`

	// Busyness scaling
	BusynessMax        int   `validate:"min=1,max=100"`
	BusynessMin        int   `validate:"min=0,max=100"`
	BusynessMultiplier int   `validate:"min=1"`
	BacklogAlert       int   `validate:"min=1"`
	RSSLimitSoft       int64 `validate:"min=0"`

	// Worker recycling
	MaxRequests       int `validate:"min=0"`
	ReloadOnRSS       int `validate:"min=0"`
	EvilReloadOnRSS   int `validate:"min=0"`
	Harakiri          int `validate:"min=0"`
	WorkerReloadMercy int `validate:"min=1"`

	// Signal behaviour
	DieOnTerm         bool
	IgnoreSigpipe     bool
	IgnoreWriteErrors bool

	// Gateway
	StaticMaps  []StaticMap
	BufferSize  int   `validate:"min=1024,max=1048576"`
	MaxBodySize int64 `validate:"min=0"`

	// Paths
	Logto   string
	DataDir string `validate:"required"`

	// Pipeline integration
	Pipeline      string
	ProtectedRefs []string
	NotifyURL     string `validate:"omitempty,url"`
	NotifyToken   string
}

// StaticMap maps a URL prefix to a filesystem directory served by the master.
type StaticMap struct {
	Mount string
	Dir   string
}

// directive names the ini key for a Settings field so validation errors speak
// the operator's language.
var directive = map[string]string{
	"HTTPSocket":         "http-socket",
	"Socket":             "socket",
	"Stats":              "stats",
	"StatsToken":         "stats-token",
	"StatsTokenHash":     "stats-token-hash",
	"Command":            "command",
	"Chdir":              "chdir",
	"Env":                "env",
	"UID":                "uid",
	"GID":                "gid",
	"Processes":          "processes",
	"Cheaper":            "cheaper",
	"CheaperInitial":     "cheaper-initial",
	"CheaperStep":        "cheaper-step",
	"BusynessMax":        "cheaper-busyness-max",
	"BusynessMin":        "cheaper-busyness-min",
	"BusynessMultiplier": "cheaper-busyness-multiplier",
	"BacklogAlert":       "cheaper-busyness-backlog-alert",
	"RSSLimitSoft":       "cheaper-rss-limit-soft",
	"MaxRequests":        "max-requests",
	"ReloadOnRSS":        "reload-on-rss",
	"EvilReloadOnRSS":    "evil-reload-on-rss",
	"Harakiri":           "harakiri",
	"WorkerReloadMercy":  "worker-reload-mercy",
	"StaticMaps":         "static-map",
	"BufferSize":         "buffer-size",
	"MaxBodySize":        "max-body-size",
	"Logto":              "logto",
	"DataDir":            "data-dir",
	"Pipeline":           "pipeline",
	"ProtectedRefs":      "protected-refs",
	"NotifyURL":          "notify-url",
	"NotifyToken":        "notify-token",
}

func directiveFor(field string) string {
	if d, ok := directive[field]; ok {
		return d
	}
	return strings.ToLower(field)
}

// envRefPattern matches $(NAME) references expanded from the process
// environment, matching the ini dialect's placeholder syntax.
var envRefPattern = regexp.MustCompile(`\$\(([A-Za-z_][A-Za-z0-9_]*)\)`)

func expandEnvRefs(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

func parseList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, raw := range parts {
		if item := strings.TrimSpace(raw); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func parseStaticMaps(value string) ([]StaticMap, error) {
	maps := make([]StaticMap, 0)
	for _, entry := range parseList(value) {
		mount, dir, ok := strings.Cut(entry, "=")
		if !ok || mount == "" || dir == "" {
			return nil, fmt.Errorf("static-map %q: want mount=directory", entry)
		}
		if !strings.HasPrefix(mount, "/") {
			return nil, fmt.Errorf("static-map %q: mount must start with /", entry)
		}
		maps = append(maps, StaticMap{Mount: mount, Dir: dir})
	}
	return maps, nil
}

// ValidListenAddr reports whether addr is a host:port with a port in 1-65535.
// An empty host (":8001") binds all interfaces and is accepted.
func ValidListenAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 1 && n <= 65535
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("masterd.http-socket", DefaultHTTPSocket)
	v.SetDefault("masterd.stats", DefaultStatsSocket)
	v.SetDefault("masterd.processes", DefaultProcesses)
	v.SetDefault("masterd.cheaper-step", DefaultCheaperStep)
	v.SetDefault("masterd.cheaper-busyness-max", DefaultBusynessMax)
	v.SetDefault("masterd.cheaper-busyness-min", DefaultBusynessMin)
	v.SetDefault("masterd.cheaper-busyness-multiplier", DefaultBusynessMultiplier)
	v.SetDefault("masterd.cheaper-busyness-backlog-alert", DefaultBacklogAlert)
	v.SetDefault("masterd.worker-reload-mercy", DefaultWorkerReloadMercy)
	v.SetDefault("masterd.die-on-term", true)
	v.SetDefault("masterd.ignore-sigpipe", true)
	v.SetDefault("masterd.ignore-write-errors", true)
	v.SetDefault("masterd.buffer-size", DefaultBufferSize)
	v.SetDefault("masterd.max-body-size", DefaultMaxBodySize)
	v.SetDefault("masterd.data-dir", DefaultDataDir)
}

// Load reads the ini file at path, applies MASTERD_* environment overrides
// and $(VAR) expansion, and validates the result. An empty path skips the
// file and configures from environment and defaults alone.
func Load(path string) (*Settings, error) {
	// ini moved out of viper's core codecs in v1.20
	registry := viper.NewCodecRegistry()
	if err := registry.RegisterCodec("ini", ini.Codec{}); err != nil {
		return nil, fmt.Errorf("register ini codec: %w", err)
	}
	v := viper.NewWithOptions(viper.WithCodecRegistry(registry))
	v.SetConfigType("ini")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	str := func(key string) string { return expandEnvRefs(v.GetString("masterd." + key)) }

	s := &Settings{
		HTTPSocket:         str("http-socket"),
		Socket:             str("socket"),
		Stats:              str("stats"),
		StatsToken:         str("stats-token"),
		StatsTokenHash:     str("stats-token-hash"),
		Command:            str("command"),
		Chdir:              str("chdir"),
		Env:                parseList(str("env")),
		UID:                v.GetInt("masterd.uid"),
		GID:                v.GetInt("masterd.gid"),
		Processes:          v.GetInt("masterd.processes"),
		Cheaper:            v.GetInt("masterd.cheaper"),
		CheaperInitial:     v.GetInt("masterd.cheaper-initial"),
		CheaperStep:        v.GetInt("masterd.cheaper-step"),
		BusynessMax:        v.GetInt("masterd.cheaper-busyness-max"),
		BusynessMin:        v.GetInt("masterd.cheaper-busyness-min"),
		BusynessMultiplier: v.GetInt("masterd.cheaper-busyness-multiplier"),
		BacklogAlert:       v.GetInt("masterd.cheaper-busyness-backlog-alert"),
		RSSLimitSoft:       v.GetInt64("masterd.cheaper-rss-limit-soft"),
		MaxRequests:        v.GetInt("masterd.max-requests"),
		ReloadOnRSS:        v.GetInt("masterd.reload-on-rss"),
		EvilReloadOnRSS:    v.GetInt("masterd.evil-reload-on-rss"),
		Harakiri:           v.GetInt("masterd.harakiri"),
		WorkerReloadMercy:  v.GetInt("masterd.worker-reload-mercy"),
		DieOnTerm:          v.GetBool("masterd.die-on-term"),
		IgnoreSigpipe:      v.GetBool("masterd.ignore-sigpipe"),
		IgnoreWriteErrors:  v.GetBool("masterd.ignore-write-errors"),
		BufferSize:         v.GetInt("masterd.buffer-size"),
		MaxBodySize:        v.GetInt64("masterd.max-body-size"),
		Logto:              str("logto"),
		DataDir:            str("data-dir"),
		Pipeline:           str("pipeline"),
		ProtectedRefs:      parseList(str("protected-refs")),
		NotifyURL:          str("notify-url"),
		NotifyToken:        str("notify-token"),
	}

	maps, err := parseStaticMaps(str("static-map"))
	if err != nil {
		return nil, err
	}
	s.StaticMaps = maps

	// cheaper-initial falls back to the cheaper floor when unset
	if s.CheaperInitial == 0 {
		s.CheaperInitial = s.Cheaper
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks every directive and returns a single aggregated error
// naming each offending one.
func (s *Settings) Validate() error {
	var errs []error

	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s: fails %q", directiveFor(fe.StructField()), fe.Tag()))
		}
	}

	if s.Cheaper > s.Processes {
		errs = append(errs, fmt.Errorf("cheaper: %d exceeds processes %d", s.Cheaper, s.Processes))
	}
	if s.CheaperInitial != 0 && (s.CheaperInitial < s.Cheaper || s.CheaperInitial > s.Processes) {
		errs = append(errs, fmt.Errorf("cheaper-initial: %d outside [%d, %d]", s.CheaperInitial, s.Cheaper, s.Processes))
	}
	if s.BusynessMin >= s.BusynessMax {
		errs = append(errs, fmt.Errorf("cheaper-busyness-min: %d must be below cheaper-busyness-max %d", s.BusynessMin, s.BusynessMax))
	}
	for _, m := range s.StaticMaps {
		info, err := os.Stat(m.Dir)
		if err != nil || !info.IsDir() {
			errs = append(errs, fmt.Errorf("static-map: %q is not a directory", m.Dir))
		}
	}
	if s.Socket != "" && !strings.Contains(s.Socket, "/") && !ValidListenAddr(s.Socket) {
		errs = append(errs, fmt.Errorf("socket: %q is neither host:port nor a unix path", s.Socket))
	}
	if s.Socket != "" && s.Socket == s.HTTPSocket {
		errs = append(errs, fmt.Errorf("socket: duplicates http-socket %q", s.Socket))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// CheaperEnabled reports whether busyness scaling is active. When disabled
// the pool runs a static `processes` workers.
func (s *Settings) CheaperEnabled() bool { return s.Cheaper > 0 }

// BootWorkers is the number of workers spawned at startup.
func (s *Settings) BootWorkers() int {
	if s.CheaperEnabled() {
		return s.CheaperInitial
	}
	return s.Processes
}

func (s *Settings) HarakiriTimeout() time.Duration {
	return time.Duration(s.Harakiri) * time.Second
}

func (s *Settings) ReloadMercy() time.Duration {
	return time.Duration(s.WorkerReloadMercy) * time.Second
}

// ReloadOnRSSBytes converts the megabyte directive to bytes; 0 means off.
func (s *Settings) ReloadOnRSSBytes() int64 {
	return int64(s.ReloadOnRSS) << 20
}

func (s *Settings) EvilReloadOnRSSBytes() int64 {
	return int64(s.EvilReloadOnRSS) << 20
}
