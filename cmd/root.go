package cmd

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/m1k1o/go-streamproxy/internal/config"
	"github.com/m1k1o/go-streamproxy/internal/utils"
)

const (
	defCfgPath = "/etc/streamproxy/"
	envPrefix  = "STREAMPROXY"
)

var rootCmd = &cobra.Command{
	Use:     "streamproxy",
	Short:   "Streamproxy server CLI.",
	Long:    `Streamproxy resolves third-party video pages and relays their HLS streams.`,
	Version: "1.0.0",

	SilenceUsage: true,
}

// onConfigLoad hooks run once after startup and again on every change of
// the config file.
var onConfigLoad []func()

func init() {
	var cfgFile string
	logConfig := &config.Log{}

	cobra.OnInitialize(func() {
		loadConfig(cfgFile)

		logConfig.Set()
		initLogging(logConfig)

		if file := viper.ConfigFileUsed(); file != "" {
			viper.OnConfigChange(func(e fsnotify.Event) {
				log.Info().Str("op", e.Op.String()).Msg("config file changed")
				runConfigLoad()
			})
			viper.WatchConfig()

			log.Info().Str("config", file).Msg("preflight complete with config file")
		} else {
			log.Warn().Msg("preflight complete without config file")
		}

		runConfigLoad()
	})

	// only the level follows config reloads, outputs stay as started
	onConfigLoad = append(onConfigLoad, func() {
		logConfig.Set()
		setLogLevel(logConfig)
	})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file path")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	if err := logConfig.Init(rootCmd); err != nil {
		log.Panic().Err(err).Msg("unable to init log config")
	}
}

func Execute() error {
	return rootCmd.Execute()
}

func runConfigLoad() {
	for _, hook := range onConfigLoad {
		hook()
	}
}

// loadConfig reads the config file and STREAMPROXY_* environment
// variables, e.g. STREAMPROXY_HLS_PROXY_ORIGIN for hls-proxy.origin.
func loadConfig(cfgFile string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		if runtime.GOOS == "linux" {
			viper.AddConfigPath(defCfgPath)
		}
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// a missing default config file is fine, an explicit one must load
	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		panic(fmt.Errorf("unable to read config file: %w", err))
	}
}

func initLogging(config *config.Log) {
	var writers []io.Writer

	if config.Console {
		if config.JSON {
			writers = append(writers, os.Stderr)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
		}
	}

	if config.File != "" {
		file := &lumberjack.Logger{
			Filename:   config.File,
			MaxAge:     config.MaxAge,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
		}

		// logrotate sends SIGHUP after moving the file away
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for range hup {
				if err := file.Rotate(); err != nil {
					log.Err(err).Msg("unable to rotate log file")
				}
			}
		}()

		writers = append(writers, file)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(io.MultiWriter(writers...))

	// libraries printing through the standard logger end up here too
	stdlog.SetFlags(0)
	stdlog.SetOutput(utils.LogWriter(log.With().Str("module", "stdlog").Logger()))

	setLogLevel(config)

	log.Info().
		Str("level", zerolog.GlobalLevel().String()).
		Bool("console", config.Console).
		Bool("json", config.JSON).
		Str("file", config.File).
		Msg("logging configured")
}

func setLogLevel(config *config.Log) {
	level, err := config.ZerologLevel()
	if err != nil {
		log.Warn().Err(err).Msg("falling back to info level")
	}

	if level != zerolog.GlobalLevel() {
		zerolog.SetGlobalLevel(level)
		log.Info().Str("level", level.String()).Msg("log level set")
	}
}
