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
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/livekit/svc-scheduler/pkg/config/configtest"
	"github.com/livekit/svc-scheduler/pkg/svc"
)

func TestConfig_Defaults(t *testing.T) {
	conf, err := NewConfig("", true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "L3T3", conf.Video.ScalabilityMode)
	require.Equal(t, uint32(30), conf.Video.FPS)

	layers, err := conf.Video.Layers()
	require.NoError(t, err)
	require.Equal(t, []svc.SpatialLayer{
		{Width: 320, Height: 180, TemporalLayers: 3},
		{Width: 640, Height: 360, TemporalLayers: 3},
		{Width: 1280, Height: 720, TemporalLayers: 3},
	}, layers)
}

func TestConfig_DefaultsKept(t *testing.T) {
	const content = `video:
  key_frame_period: 60
  mtu: 1000`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 60, conf.Video.KeyFramePeriod)
	require.Equal(t, 1000, conf.Video.MTU)
	require.Equal(t, "L3T3", conf.Video.ScalabilityMode)
	require.Equal(t, 64, conf.Video.HistorySize)
}

func TestConfig_UnknownKeys(t *testing.T) {
	const content = `unknown: 10
video:
  fps: 15`
	_, err := NewConfig(content, true, nil, nil)
	require.Error(t, err)

	conf, err := NewConfig(content, false, nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(15), conf.Video.FPS)
}

func TestConfig_ExplicitSpatialLayers(t *testing.T) {
	const content = `video:
  spatial_layers:
    - width: 480
      height: 270
    - width: 960
      height: 540
  temporal_layers: 2`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)

	layers, err := conf.Video.Layers()
	require.NoError(t, err)
	require.Equal(t, []svc.SpatialLayer{
		{Width: 480, Height: 270, TemporalLayers: 2},
		{Width: 960, Height: 540, TemporalLayers: 2},
	}, layers)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     error
	}{
		{
			name:    "zero fps",
			content: "video:\n  fps: 0\n  scalability_mode: L1T1",
		},
		{
			name:    "negative key frame period",
			content: "video:\n  key_frame_period: -1",
			err:     ErrInvalidKeyFramePeriod,
		},
		{
			name:    "tiny mtu",
			content: "video:\n  mtu: 20",
			err:     ErrInvalidMTU,
		},
		{
			name:    "bad scalability mode",
			content: "video:\n  scalability_mode: L4T1",
			err:     svc.ErrInvalidScalabilityMode,
		},
		{
			name:    "too many spatial layers",
			content: "video:\n  temporal_layers: 1\n  spatial_layers: [{width: 1, height: 1}, {width: 2, height: 2}, {width: 3, height: 3}, {width: 4, height: 4}]",
			err:     svc.ErrTooManySpatialLayers,
		},
		{
			name:    "missing temporal layers",
			content: "video:\n  spatial_layers: [{width: 320, height: 180}]",
			err:     svc.ErrUnsupportedTemporalLayers,
		},
		{
			name:    "payload type above 7 bits",
			content: "video:\n  payload_type: 200",
			err:     ErrInvalidPayloadType,
		},
		{
			name:    "payload type above 8 bits",
			content: "video:\n  payload_type: 300",
		},
		{
			name:    "layer wider than the scalability structure",
			content: "video:\n  temporal_layers: 1\n  spatial_layers: [{width: 70000, height: 360}]",
			err:     ErrLayerTooLarge,
		},
		{
			name:    "top layer taller than the scalability structure",
			content: "video:\n  width: 1280\n  height: 65536",
			err:     ErrLayerTooLarge,
		},
		{
			name:    "bad log level",
			content: "logging:\n  level: loud",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfig(tc.content, true, nil, nil)
			require.Error(t, err)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestGeneratedFlags(t *testing.T) {
	generatedFlags, err := GenerateCLIFlags(nil, false)
	require.NoError(t, err)

	app := cli.NewApp()
	app.Flags = append(app.Flags, generatedFlags...)

	set := flag.NewFlagSet("test", 0)
	set.Bool("development", false, "")                  // bool
	set.String("video.scalability_mode", "", "")        // string
	set.Uint64("prometheus_port", 0, "")                // uint32
	set.Int64("video.key_frame_period", 0, "")          // int
	set.Uint64("video.payload_type", 0, "")             // uint8
	require.NoError(t, set.Parse([]string{
		"-development",
		"-video.scalability_mode=L2T2",
		"-prometheus_port=9999",
		"-video.key_frame_period=90",
		"-video.payload_type=100",
	}))

	c := cli.NewContext(app, set, nil)
	conf, err := NewConfig("", true, c, nil)
	require.NoError(t, err)

	require.True(t, conf.Development)
	require.Equal(t, "L2T2", conf.Video.ScalabilityMode)
	require.Equal(t, uint32(9999), conf.PrometheusPort)
	require.Equal(t, 90, conf.Video.KeyFramePeriod)
	require.Equal(t, uint8(100), conf.Video.PayloadType)
}

func TestGeneratedFlagsOutOfRange(t *testing.T) {
	generatedFlags, err := GenerateCLIFlags(nil, false)
	require.NoError(t, err)

	app := cli.NewApp()
	app.Flags = append(app.Flags, generatedFlags...)

	set := flag.NewFlagSet("test", 0)
	set.Uint64("video.payload_type", 0, "")
	require.NoError(t, set.Parse([]string{"-video.payload_type=356"}))

	c := cli.NewContext(app, set, nil)
	_, err = NewConfig("", true, c, nil)
	require.ErrorIs(t, err, ErrFlagOutOfRange)
}

func TestGeneratedFlagsSkipExisting(t *testing.T) {
	existing := []cli.Flag{&cli.StringFlag{Name: "video.scalability_mode"}}
	generatedFlags, err := GenerateCLIFlags(existing, true)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range generatedFlags {
		names[f.Names()[0]] = true
	}
	require.False(t, names["video.scalability_mode"])
	require.True(t, names["video.fps"])
	require.True(t, names["logging.level"])
	// slices are yaml only
	require.False(t, names["video.spatial_layers"])
}

func TestConfigYAMLTags(t *testing.T) {
	require.NoError(t, configtest.CheckYAMLTags(Config{}))
}
