// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-scheduler/pkg/descriptor"
	"github.com/livekit/svc-scheduler/pkg/svc"
)

const (
	generatedCLIFlagUsage = "generated"

	minMTU = 64

	maxPayloadType    = 127
	// scalability structure widths and heights are 16 bit
	maxLayerDimension = 0xffff
)

var (
	ErrInvalidFPS            = errors.New("fps must be positive")
	ErrInvalidKeyFramePeriod = errors.New("key_frame_period must be positive")
	ErrInvalidMTU            = errors.New("mtu is too small")
	ErrNoLayersConfigured    = errors.New("one of scalability_mode or spatial_layers must be provided")
	ErrInvalidPayloadType    = errors.New("payload_type must be at most 127")
	ErrLayerTooLarge         = errors.New("layer width and height must be at most 65535")
	ErrFlagOutOfRange        = errors.New("flag value out of range")
)

type Config struct {
	NodeID         string        `yaml:"node_id,omitempty"`
	PrometheusPort uint32        `yaml:"prometheus_port,omitempty"`
	Video          VideoConfig   `yaml:"video,omitempty"`
	Logging        LoggingConfig `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type VideoConfig struct {
	// top layer resolution, used with ScalabilityMode
	Width  int `yaml:"width,omitempty"`
	Height int `yaml:"height,omitempty"`

	FPS uint32 `yaml:"fps,omitempty"`

	// one of ScalabilityMode or SpatialLayers + TemporalLayers
	ScalabilityMode string               `yaml:"scalability_mode,omitempty"`
	SpatialLayers   []SpatialLayerConfig `yaml:"spatial_layers,omitempty"`
	TemporalLayers  int                  `yaml:"temporal_layers,omitempty"`

	// counted in super-frames
	KeyFramePeriod int `yaml:"key_frame_period,omitempty"`

	MTU         int    `yaml:"mtu,omitempty"`
	SSRC        uint32 `yaml:"ssrc,omitempty"`
	PayloadType uint8  `yaml:"payload_type,omitempty"`
	HistorySize int    `yaml:"history_size,omitempty"`
}

type SpatialLayerConfig struct {
	Width  int `yaml:"width,omitempty"`
	Height int `yaml:"height,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
}

var DefaultConfig = Config{
	NodeID: "svc",
	Video: VideoConfig{
		Width:           1280,
		Height:          720,
		FPS:             30,
		ScalabilityMode: "L3T3",
		KeyFramePeriod:  3000,
		MTU:             descriptor.DefaultMTU,
		SSRC:            0x5f5f5f5f,
		PayloadType:     98,
		HistorySize:     64,
	},
	Logging: LoggingConfig{
		Config: logger.Config{
			Level: "info",
		},
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}

	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "could not validate config")
	}

	return &conf, nil
}

func (conf *Config) Validate() error {
	if conf.Logging.Level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(conf.Logging.Level)); err != nil {
			return errors.Wrapf(err, "invalid log level %q", conf.Logging.Level)
		}
	}
	return conf.Video.Validate()
}

func (v *VideoConfig) Validate() error {
	if v.FPS == 0 {
		return ErrInvalidFPS
	}
	if v.KeyFramePeriod <= 0 {
		return ErrInvalidKeyFramePeriod
	}
	if v.MTU < minMTU {
		return ErrInvalidMTU
	}
	if v.PayloadType > maxPayloadType {
		return ErrInvalidPayloadType
	}

	layers, err := v.Layers()
	if err != nil {
		return err
	}
	for _, l := range layers {
		if l.Width > maxLayerDimension || l.Height > maxLayerDimension {
			return ErrLayerTooLarge
		}
	}
	// the scheduler owns the layer preconditions
	_, err = svc.NewScheduler(svc.SchedulerParams{Layers: layers, Logger: logger.GetLogger()})
	return err
}

// Layers returns the spatial layers of the stream. Explicit spatial layers
// take precedence over the scalability mode.
func (v *VideoConfig) Layers() ([]svc.SpatialLayer, error) {
	if len(v.SpatialLayers) != 0 {
		layers := make([]svc.SpatialLayer, 0, len(v.SpatialLayers))
		for _, l := range v.SpatialLayers {
			layers = append(layers, svc.SpatialLayer{
				Width:          l.Width,
				Height:         l.Height,
				TemporalLayers: v.TemporalLayers,
			})
		}
		return layers, nil
	}

	if v.ScalabilityMode == "" {
		return nil, ErrNoLayersConfigured
	}
	mode, err := svc.ParseScalabilityMode(v.ScalabilityMode)
	if err != nil {
		return nil, err
	}
	return mode.Layers(v.Width, v.Height), nil
}

// ToCLIFlagNames maps the yaml path of every scalar config field, such as
// video.key_frame_period, to its value. Paths taken by existingFlags are skipped.
func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	taken := map[string]bool{}
	for _, flag := range existingFlags {
		for _, name := range flag.Names() {
			taken[name] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	collectFlagNames(reflect.ValueOf(conf).Elem(), "", taken, flagNames)
	return flagNames
}

func collectFlagNames(node reflect.Value, prefix string, taken map[string]bool, flagNames map[string]reflect.Value) {
	for i := 0; i < node.NumField(); i++ {
		name, opts, _ := strings.Cut(node.Type().Field(i).Tag.Get("yaml"), ",")
		if name == "-" {
			continue
		}

		path := name
		switch {
		case opts == "inline" && prefix != "":
			path = prefix
		case name == "":
			continue
		case prefix != "":
			path = prefix + "." + name
		}
		if taken[path] {
			continue
		}

		value := node.Field(i)
		if value.Kind() == reflect.Struct {
			collectFlagNames(value, path, taken, flagNames)
			continue
		}
		flagNames[path] = value
	}
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		envVars := []string{"SVC_" + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))}

		var flag cli.Flag
		switch kind := scalarKind(value); kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.String:
			flag = &cli.StringFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Int, reflect.Int32, reflect.Int64:
			flag = &cli.Int64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			flag = &cli.Uint64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Slice, reflect.Map, reflect.Struct:
			// yaml only
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind)
		}
		flags = append(flags, flag)
	}

	return flags, nil
}

func scalarKind(value reflect.Value) reflect.Kind {
	if value.Kind() == reflect.Ptr {
		return value.Type().Elem().Kind()
	}
	return value.Kind()
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		name := flag.Names()[0]
		value, ok := generatedFlagNames[name]
		if !ok || !c.IsSet(name) {
			continue
		}
		if err := setFromCLI(c, name, value); err != nil {
			return err
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("scalability-mode") {
		conf.Video.ScalabilityMode = c.String("scalability-mode")
		conf.Video.SpatialLayers = nil
	}
	if c.IsSet("key-frame-period") {
		conf.Video.KeyFramePeriod = c.Int("key-frame-period")
	}
	return nil
}

func setFromCLI(c *cli.Context, name string, value reflect.Value) error {
	if value.Kind() == reflect.Ptr {
		value.Set(reflect.New(value.Type().Elem()))
		value = value.Elem()
	}

	switch value.Kind() {
	case reflect.Bool:
		value.SetBool(c.Bool(name))
	case reflect.String:
		value.SetString(c.String(name))
	case reflect.Int, reflect.Int32, reflect.Int64:
		v := c.Int64(name)
		if value.OverflowInt(v) {
			return errors.Wrapf(ErrFlagOutOfRange, "%s: %d", name, v)
		}
		value.SetInt(v)
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v := c.Uint64(name)
		if value.OverflowUint(v) {
			return errors.Wrapf(ErrFlagOutOfRange, "%s: %d", name, v)
		}
		value.SetUint(v)
	case reflect.Float32, reflect.Float64:
		value.SetFloat(c.Float64(name))
	default:
		return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", name, value.Kind())
	}
	return nil
}

// Note: only pass in logr.Logger with default depth
func SetLogger(l logger.Logger) {
	logger.SetLogger(l, "svc")
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(config.Config, "svc")
}
