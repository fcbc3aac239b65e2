package main

import (
	"bytes"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func checkErr(err error) {
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
}

// Config is read from flags, an optional config file and AVIFDUMP_
// environment variables, in increasing order of precedence.
type Config struct {
	LogLevel string `json:"log_level,omitempty" mapstructure:"log_level,omitempty"`
	Config   string `json:"config,omitempty" mapstructure:"config,omitempty"`
	JSON     bool   `json:"json,omitempty" mapstructure:"json,omitempty"`
	Raw      bool   `json:"raw,omitempty" mapstructure:"raw,omitempty"`
	Validate bool   `json:"validate,omitempty" mapstructure:"validate,omitempty"`
}

func newConfig(args []string) (*Config, []string) {
	config := viper.New()
	config.SetConfigType("yaml")

	b, err := json.Marshal(Config{
		LogLevel: "info",
		Config:   "avifdump.yaml",
	})
	checkErr(err)
	tmp := viper.New()
	tmp.SetConfigType("json")
	checkErr(tmp.ReadConfig(bytes.NewBuffer(b)))
	checkErr(config.MergeConfigMap(tmp.AllSettings()))

	flags := pflag.NewFlagSet("avifdump", pflag.ExitOnError)
	flags.String("config", "avifdump.yaml", "Config file location")
	flags.String("log_level", "info", "Log level")
	flags.Bool("json", false, "Print JSON instead of a Go value dump")
	flags.Bool("raw", false, "Dump the parsed meta box instead of an item summary")
	flags.Bool("validate", false, "Check the file for structural errors")
	checkErr(flags.Parse(args))
	checkErr(config.BindPFlags(flags))

	config.SetConfigFile(config.GetString("config"))
	if err := config.ReadInConfig(); err == nil {
		checkErr(config.MergeInConfig())
	}

	config.SetEnvPrefix("AVIFDUMP")
	config.AllowEmptyEnv(true)
	config.AutomaticEnv()

	cfg := Config{}
	checkErr(config.Unmarshal(&cfg))

	level, err := logrus.ParseLevel(cfg.LogLevel)
	checkErr(err)
	logrus.SetLevel(level)

	return &cfg, flags.Args()
}
