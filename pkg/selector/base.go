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

package selector

import (
	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-scheduler/pkg/svc"
)

type VideoLayerSelectorResult struct {
	IsSelected              bool
	IsRelevant              bool
	IsResuming              bool
	IsSwitchingToMaxSpatial bool
	RTPMarker               bool
}

type VideoLayerSelector interface {
	SetMax(maxLayer svc.VideoLayer)
	GetMax() svc.VideoLayer

	SetTarget(targetLayer svc.VideoLayer)
	GetTarget() svc.VideoLayer

	SetRequestSpatial(layer int32)
	GetRequestSpatial() int32

	CheckSync() (locked bool, layer int32)

	SetMaxSeen(maxSeenLayer svc.VideoLayer)
	GetMaxSeen() svc.VideoLayer

	SetCurrent(currentLayer svc.VideoLayer)
	GetCurrent() svc.VideoLayer

	Select(extPkt *ExtPacket) VideoLayerSelectorResult
	Rollback()
}

type Base struct {
	logger logger.Logger

	maxLayer     svc.VideoLayer
	maxSeenLayer svc.VideoLayer

	targetLayer         svc.VideoLayer
	previousTargetLayer svc.VideoLayer

	requestSpatial int32

	currentLayer  svc.VideoLayer
	previousLayer svc.VideoLayer
}

func NewBase(logger logger.Logger) *Base {
	return &Base{
		logger:              logger,
		maxLayer:            svc.InvalidLayer,
		maxSeenLayer:        svc.InvalidLayer,
		targetLayer:         svc.InvalidLayer, // start off with nothing, let the allocator set the target
		previousTargetLayer: svc.InvalidLayer,
		requestSpatial:      svc.InvalidLayerSpatial,
		currentLayer:        svc.InvalidLayer,
		previousLayer:       svc.InvalidLayer,
	}
}

func (b *Base) SetMax(maxLayer svc.VideoLayer) {
	b.maxLayer = maxLayer
}

func (b *Base) GetMax() svc.VideoLayer {
	return b.maxLayer
}

func (b *Base) SetTarget(targetLayer svc.VideoLayer) {
	b.previousTargetLayer = b.targetLayer
	b.targetLayer = targetLayer
}

func (b *Base) GetTarget() svc.VideoLayer {
	return b.targetLayer
}

func (b *Base) SetRequestSpatial(layer int32) {
	b.requestSpatial = layer
}

func (b *Base) GetRequestSpatial() int32 {
	return b.requestSpatial
}

func (b *Base) CheckSync() (locked bool, layer int32) {
	layer = b.GetRequestSpatial()
	locked = layer == b.GetCurrent().Spatial
	return
}

func (b *Base) SetMaxSeen(maxSeenLayer svc.VideoLayer) {
	b.maxSeenLayer = maxSeenLayer
}

func (b *Base) GetMaxSeen() svc.VideoLayer {
	return b.maxSeenLayer
}

func (b *Base) SetCurrent(currentLayer svc.VideoLayer) {
	b.currentLayer = currentLayer
}

func (b *Base) GetCurrent() svc.VideoLayer {
	return b.currentLayer
}

func (b *Base) Rollback() {
	b.logger.Infow(
		"rolling back",
		"previous", b.previousLayer,
		"current", b.currentLayer,
		"previousTarget", b.previousTargetLayer,
		"target", b.targetLayer,
		"max", b.maxLayer,
		"req", b.requestSpatial,
		"maxSeen", b.maxSeenLayer,
	)
	b.currentLayer = b.previousLayer
	b.targetLayer = b.previousTargetLayer
}
