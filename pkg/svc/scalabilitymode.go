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

package svc

import (
	"fmt"
	"regexp"
	"strconv"
)

var scalabilityModeRegex = regexp.MustCompile(`^L([1-3])T([1-3])$`)

// ScalabilityMode is a WebRTC scalability mode identifier such as "L3T3".
type ScalabilityMode struct {
	SpatialLayers  int
	TemporalLayers int
}

func ParseScalabilityMode(mode string) (ScalabilityMode, error) {
	match := scalabilityModeRegex.FindStringSubmatch(mode)
	if match == nil {
		return ScalabilityMode{}, fmt.Errorf("%w: %q", ErrInvalidScalabilityMode, mode)
	}

	spatial, _ := strconv.Atoi(match[1])
	temporal, _ := strconv.Atoi(match[2])
	return ScalabilityMode{SpatialLayers: spatial, TemporalLayers: temporal}, nil
}

func (m ScalabilityMode) String() string {
	return fmt.Sprintf("L%dT%d", m.SpatialLayers, m.TemporalLayers)
}

// Layers derives the layers of mode for a top layer of width x height,
// halving the resolution for every layer below the top one.
func (m ScalabilityMode) Layers(width, height int) []SpatialLayer {
	layers := make([]SpatialLayer, m.SpatialLayers)
	for i := range layers {
		shift := m.SpatialLayers - 1 - i
		layers[i] = SpatialLayer{
			Width:          width >> shift,
			Height:         height >> shift,
			TemporalLayers: m.TemporalLayers,
		}
	}
	return layers
}
