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

import "errors"

var (
	ErrNoSpatialLayers           = errors.New("at least one spatial layer is required")
	ErrTooManySpatialLayers      = errors.New("too many spatial layers")
	ErrUnsupportedTemporalLayers = errors.New("unsupported number of temporal layers")
	ErrTemporalLayerMismatch     = errors.New("spatial layers must share the same number of temporal layers")
	ErrInvalidResolution         = errors.New("spatial layer resolution must be positive")
	ErrInvalidActiveLayers       = errors.New("invalid number of active spatial layers")
	ErrActiveLayersNotPrefix     = errors.New("active spatial layers must be a prefix of the configured layers")
	ErrMidSuperFrame             = errors.New("cannot change active layers in the middle of a super-frame")
	ErrInvalidScalabilityMode    = errors.New("invalid scalability mode")
)
