package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	autoVote        bool
	bind            string
	cleanupInterval time.Duration
	configFile      string
	logFormat       string
	maxPlayers      int
	playerTimeout   time.Duration
	port            int
	prefix          string
	profile         bool
	sessionTimeout  time.Duration
	stories         string
	tlsCert         string
	tlsKey          string
	verbose         bool
	version         bool
	votePolicy      string
	voteTimeout     time.Duration
	watchStories    bool
}

// validate reports every problem at once rather than the first one found.
func (c *Config) validate() error {
	var errs []error

	if (c.tlsCert == "") != (c.tlsKey == "") {
		errs = append(errs, errors.New("both --tls-cert and --tls-key must be provided together"))
	}
	if c.port < 1 || c.port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port))
	}
	if c.maxPlayers < 1 {
		errs = append(errs, fmt.Errorf("invalid max players (must be at least 1): %d", c.maxPlayers))
	}
	if c.playerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid player timeout (must be positive): %s", c.playerTimeout))
	}
	if c.sessionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid session timeout (must be positive): %s", c.sessionTimeout))
	}
	if c.cleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid cleanup interval (must be positive): %s", c.cleanupInterval))
	}
	policy, err := parseVotePolicy(c.votePolicy)
	if err != nil {
		errs = append(errs, err)
	}
	if policy == PolicyTimer && c.voteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid vote timeout (must be positive with the timer policy): %s", c.voteTimeout))
	}
	switch c.logFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format (must be console or json): %q", c.logFormat))
	}

	return errors.Join(errs...)
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// sessionSettings derives the per-session defaults. Call after validate.
func (c *Config) sessionSettings() SessionSettings {
	policy, _ := parseVotePolicy(c.votePolicy)

	return SessionSettings{
		MaxPlayers:     c.maxPlayers,
		SessionTimeout: c.sessionTimeout,
		PlayerTimeout:  c.playerTimeout,
		VotePolicy:     policy,
		VoteTimeout:    c.voteTimeout,
		AutoVote:       c.autoVote,
	}
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TALEBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "talebox",
		Short:         "Play branching stories together, voting on every choice.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigFile(v, cmd.Flags(), cfg.configFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.BoolVar(&cfg.autoVote, "auto-vote", true, "open a vote automatically whenever a page offers choices (env: TALEBOX_AUTO_VOTE)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: TALEBOX_BIND)")
	fs.DurationVar(&cfg.cleanupInterval, "cleanup-interval", time.Minute, "how often idle players and sessions are swept (env: TALEBOX_CLEANUP_INTERVAL)")
	fs.StringVarP(&cfg.configFile, "config", "c", "", "path to a yaml, toml or json config file (env: TALEBOX_CONFIG)")
	fs.StringVar(&cfg.logFormat, "log-format", "console", "log output format: console or json (env: TALEBOX_LOG_FORMAT)")
	fs.IntVar(&cfg.maxPlayers, "max-players", 8, "maximum players per session (env: TALEBOX_MAX_PLAYERS)")
	fs.DurationVar(&cfg.playerTimeout, "player-timeout", 5*time.Minute, "time before idle players are kicked (env: TALEBOX_PLAYER_TIMEOUT)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: TALEBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: TALEBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: TALEBOX_PROFILE)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle sessions are ended (env: TALEBOX_SESSION_TIMEOUT)")
	fs.StringVarP(&cfg.stories, "stories", "s", "stories", "directory containing story files (env: TALEBOX_STORIES)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: TALEBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: TALEBOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: TALEBOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: TALEBOX_VERSION)")
	fs.StringVar(&cfg.votePolicy, "vote-policy", string(PolicyTimer), "what closes a vote: timer, host or participation (env: TALEBOX_VOTE_POLICY)")
	fs.DurationVar(&cfg.voteTimeout, "vote-timeout", 60*time.Second, "voting window under the timer policy (env: TALEBOX_VOTE_TIMEOUT)")
	fs.BoolVar(&cfg.watchStories, "watch-stories", true, "reload the story directory when files change (env: TALEBOX_WATCH_STORIES)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("talebox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

// applyConfigFile fills in any flag not set on the command line or in the
// environment from the given config file.
func applyConfigFile(v *viper.Viper, fs *pflag.FlagSet, path string) error {
	if path == "" {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.InConfig(f.Name) {
			return
		}
		if err := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
			errs = append(errs, fmt.Errorf("config file key %q: %w", f.Name, err))
		}
	})

	return errors.Join(errs...)
}
