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

// Winner policies for the final GAME_OVER report in a room.
const (
	winnerReporter = "reporter" // the client whose report hit the threshold is named winner
	winnerSurvivor = "survivor" // the one player absent from the losers list is named winner
)

type Config struct {
	attackMarksLoser bool
	bind             string
	countdown        time.Duration
	maxPlayers       int
	minStartPlayers  int
	port             int
	prefix           string
	profile          bool
	tlsCert          string
	tlsKey           string
	verbose          bool
	version          bool
	winnerPolicy     string
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.maxPlayers < 1 {
		return fmt.Errorf("invalid room capacity (must be at least 1): %d", c.maxPlayers)
	}
	if c.minStartPlayers < 1 || c.minStartPlayers > c.maxPlayers {
		return fmt.Errorf("invalid minimum start count (must be between 1-%d inclusive): %d", c.maxPlayers, c.minStartPlayers)
	}
	if c.countdown < 0 {
		return fmt.Errorf("invalid countdown lead: %s", c.countdown)
	}
	if c.winnerPolicy != winnerReporter && c.winnerPolicy != winnerSurvivor {
		return fmt.Errorf("invalid winner policy (must be %q or %q): %q", winnerReporter, winnerSurvivor, c.winnerPolicy)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BLOCKBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "blockbox",
		Short:         "A realtime elimination block-battle server, one websocket room per match.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
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

	fs.BoolVar(&cfg.attackMarksLoser, "attack-marks-loser", true, "record attackers in the losers list, matching the legacy protocol (env: BLOCKBOX_ATTACK_MARKS_LOSER)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: BLOCKBOX_BIND)")
	fs.DurationVar(&cfg.countdown, "countdown", 6*time.Second, "lead time between all-ready and match start (env: BLOCKBOX_COUNTDOWN)")
	fs.IntVar(&cfg.maxPlayers, "max-players", 4, "maximum number of players per room (env: BLOCKBOX_MAX_PLAYERS)")
	fs.IntVar(&cfg.minStartPlayers, "min-start-players", 1, "minimum number of players before a room may start (env: BLOCKBOX_MIN_START_PLAYERS)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: BLOCKBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: BLOCKBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: BLOCKBOX_PROFILE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: BLOCKBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: BLOCKBOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: BLOCKBOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: BLOCKBOX_VERSION)")
	fs.StringVar(&cfg.winnerPolicy, "winner-policy", winnerReporter, "how the winner is chosen when the loss threshold is hit, either \"reporter\" or \"survivor\" (env: BLOCKBOX_WINNER_POLICY)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("blockbox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
