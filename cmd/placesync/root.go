package main

import (
	"encoding/json"
	stderr "errors"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/placesync/placesync/internal/config"
	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/utils"
)

type rootFlags struct {
	config   string
	logLevel string
	dataDir  string
	endpoint string
}

// app carries what every command needs once flags are parsed.
type app struct {
	flags    rootFlags
	cfg      *config.Configuration
	fileUsed string
	logger   *zap.Logger
	level    zap.AtomicLevel
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "placesync",
		Short:         "Tiered cache and offline synchronization engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	fs := root.PersistentFlags()
	fs.StringVarP(&a.flags.config, "config", "c", "", "config file (default: search for placesync.yaml)")
	fs.StringVar(&a.flags.logLevel, "log-level", "", "override global.logging.level")
	fs.StringVarP(&a.flags.dataDir, "data-dir", "d", "", "override global.data_dir")
	fs.StringVar(&a.flags.endpoint, "endpoint", "", "override remote.endpoint")

	root.AddCommand(
		newServeCmd(a),
		newGetCmd(a),
		newWriteCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newQueueCmd(a),
		newFlagsCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, fileUsed, err := loadConfig(a.flags.config)
	if err != nil {
		return err
	}
	if a.flags.logLevel != "" {
		cfg.Global.Logging.Level = a.flags.logLevel
	}
	if a.flags.dataDir != "" {
		cfg.Global.DataDir = a.flags.dataDir
	}
	if a.flags.endpoint != "" {
		cfg.Remote.Endpoint = a.flags.endpoint
	}

	logger, level, err := utils.NewLogger(cfg.Global.Logging)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "create logger")
	}
	a.cfg, a.fileUsed, a.logger, a.level = cfg, fileUsed, logger, level
	if fileUsed != "" {
		logger.Debug("configuration loaded", zap.String("file", fileUsed))
	}
	return nil
}

// loadConfig overlays a config file and PLACESYNC_* variables onto the
// defaults. With no path it searches for placesync.{yaml,yml,json} in the
// working directory, ~/.placesync and /etc/placesync; finding none is not
// an error.
func loadConfig(filePath string) (*config.Configuration, string, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("placesync")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.placesync")
		v.AddConfigPath("/etc/placesync")
	}

	cfg := config.NewDefault()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) > 0 || !stderr.As(err, &notFound) {
			return nil, "", errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config").
				WithContext("file", filePath)
		}
	} else if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to unmarshal config").
			WithContext("file", v.ConfigFileUsed())
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

func decoderOpt(cfg *mapstructure.DecoderConfig) {
	cfg.ErrorUnused = true
	cfg.TagName = "yaml"
	cfg.WeaklyTypedInput = true
	cfg.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		rawStringHook,
	)
}

// rawStringHook lets cache.l4.default_value be written as inline YAML
// (a list or map) instead of a quoted JSON string.
func rawStringHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to.Kind() != reflect.String || from.Kind() == reflect.String {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Slice, reflect.Map:
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return data, nil
}
