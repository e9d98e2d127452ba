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

	"github.com/livekit/protocol/logger"
)

type SchedulerParams struct {
	Layers []SpatialLayer
	Logger logger.Logger
}

// Scheduler decides, frame by frame, which reference slots each spatial layer
// of a VP9 SVC stream reads and writes, and derives the scalability metadata
// of every layer frame.
//
// Calls must be serialized by the owner, one UpdateEncodeJob and one
// FillUsedRefFramesAndMetadata per spatial layer, in spatial layer order.
type Scheduler struct {
	params SchedulerParams
	logger logger.Logger

	spatialLayerResolutions       []Resolution
	activeSpatialLayerResolutions []Resolution
	numTemporalLayers             int
	temporalPattern               []FrameConfig

	patternIndex int
	frameNum     int
	spatialIdx   int

	patternIndexOfRefFramesSlots [MaxNumUsedRefFrames]int
}

func NewScheduler(params SchedulerParams) (*Scheduler, error) {
	if len(params.Layers) == 0 {
		return nil, ErrNoSpatialLayers
	}
	if len(params.Layers) > MaxSpatialLayers {
		return nil, ErrTooManySpatialLayers
	}

	numTemporalLayers := params.Layers[0].TemporalLayers
	resolutions := make([]Resolution, 0, len(params.Layers))
	for _, layer := range params.Layers {
		if layer.TemporalLayers != numTemporalLayers {
			return nil, ErrTemporalLayerMismatch
		}
		if layer.Width <= 0 || layer.Height <= 0 {
			return nil, ErrInvalidResolution
		}
		resolutions = append(resolutions, layer.Resolution())
	}

	pattern, err := TemporalPattern(numTemporalLayers)
	if err != nil {
		return nil, err
	}

	l := params.Logger
	if l == nil {
		l = logger.GetLogger()
	}

	s := &Scheduler{
		params:                  params,
		logger:                  l,
		spatialLayerResolutions: resolutions,
		numTemporalLayers:       numTemporalLayers,
		temporalPattern:         pattern,
	}
	s.activeSpatialLayerResolutions = append([]Resolution(nil), resolutions...)
	return s, nil
}

func (s *Scheduler) NumSpatialLayers() int {
	return len(s.spatialLayerResolutions)
}

func (s *Scheduler) ActiveSpatialLayers() int {
	return len(s.activeSpatialLayerResolutions)
}

func (s *Scheduler) ActiveResolutions() []Resolution {
	return append([]Resolution(nil), s.activeSpatialLayerResolutions...)
}

func (s *Scheduler) NumTemporalLayers() int {
	return s.numTemporalLayers
}

func (s *Scheduler) PatternSize() int {
	return len(s.temporalPattern)
}

func (s *Scheduler) PatternIndex() int {
	return s.patternIndex
}

func (s *Scheduler) FrameNum() int {
	return s.frameNum
}

func (s *Scheduler) SpatialIdx() int {
	return s.spatialIdx
}

// CurrentConfig is the pattern entry of the super-frame being encoded.
func (s *Scheduler) CurrentConfig() FrameConfig {
	return s.temporalPattern[s.patternIndex]
}

// UpdateEncodeJob is called before encoding each spatial layer frame and
// reports whether the frame starts a key super-frame. keyFramePeriod is
// counted in super-frames.
func (s *Scheduler) UpdateEncodeJob(isKeyFrameRequested bool, keyFramePeriod int) bool {
	if keyFramePeriod <= 0 {
		panic(fmt.Sprintf("invalid key frame period: %d", keyFramePeriod))
	}

	if isKeyFrameRequested {
		s.frameNum = 0
		s.spatialIdx = 0
	}

	if s.spatialIdx == len(s.activeSpatialLayerResolutions) {
		s.frameNum = (s.frameNum + 1) % keyFramePeriod
		s.spatialIdx = 0
	}

	return s.isKeySuperFrameStart()
}

// FillUsedRefFramesAndMetadata annotates pic with the reference slots used and
// refreshed by the current spatial layer frame and its scalability metadata.
// The returned array marks which of the frame's reference positions are in use.
func (s *Scheduler) FillUsedRefFramesAndMetadata(pic *Picture) (refFramesUsed [NumRefsPerFrame]bool) {
	if s.spatialIdx >= len(s.activeSpatialLayerResolutions) {
		panic(fmt.Sprintf("spatial layer %d filled past the %d active layers", s.spatialIdx, len(s.activeSpatialLayerResolutions)))
	}

	if s.isKeySuperFrameStart() {
		s.patternIndex = 0
		pic.IsKeyFrame = true
		pic.RefFrameIdx = nil
		pic.Refresh = AllSlots()
		pic.Metadata = s.fillMetadata(nil)
		s.updateRefFramesPatternIndex([]int{0, 1})
		s.spatialIdx++

		s.logger.Debugw(
			"key super-frame",
			"activeLayers", s.activeSpatialLayerResolutions,
			"temporalLayers", s.numTemporalLayers,
		)
		return
	}

	if s.spatialIdx == 0 {
		s.patternIndex = (s.patternIndex + 1) % len(s.temporalPattern)
	}

	cfg := s.temporalPattern[s.patternIndex]
	refreshIndices := cfg.UpdateIndices(s.spatialIdx)
	referenceIndices := cfg.RefFrameIndices(s.spatialIdx, s.frameNum)
	if len(referenceIndices) > NumRefsPerFrame {
		panic(fmt.Sprintf("too many references: %d", len(referenceIndices)))
	}

	pic.IsKeyFrame = false
	pic.Refresh = NewSlotSet(refreshIndices...)
	pic.RefFrameIdx = make([]int, 0, len(referenceIndices))
	for i, slot := range referenceIndices {
		refFramesUsed[i] = true
		pic.RefFrameIdx = append(pic.RefFrameIdx, slot)
	}

	pic.Metadata = s.fillMetadata(referenceIndices)
	s.updateRefFramesPatternIndex(refreshIndices)
	s.spatialIdx++
	return
}

// SetActiveSpatialLayers enables the first numLayers configured spatial layers.
// A change restarts the stream at a key super-frame, which is reported by the
// returned bool. It must be called between super-frames.
func (s *Scheduler) SetActiveSpatialLayers(numLayers int) (bool, error) {
	if numLayers < 1 || numLayers > len(s.spatialLayerResolutions) {
		return false, ErrInvalidActiveLayers
	}
	if numLayers == len(s.activeSpatialLayerResolutions) {
		return false, nil
	}
	if s.spatialIdx != 0 && s.spatialIdx != len(s.activeSpatialLayerResolutions) {
		return false, ErrMidSuperFrame
	}

	s.logger.Infow(
		"active spatial layers changed",
		"from", len(s.activeSpatialLayerResolutions),
		"to", numLayers,
	)
	s.activeSpatialLayerResolutions = append([]Resolution(nil), s.spatialLayerResolutions[:numLayers]...)
	s.frameNum = 0
	s.spatialIdx = 0
	return true, nil
}

// UpdateActiveLayersFromBitrate derives the active spatial layers from a
// bitrate allocation indexed by [spatial][temporal]. A spatial layer is
// active when any of its temporal layers has a non-zero bitrate.
func (s *Scheduler) UpdateActiveLayersFromBitrate(bitrates [][]uint32) (bool, error) {
	numActive := 0
	for sid, temporal := range bitrates {
		active := false
		for _, bps := range temporal {
			if bps > 0 {
				active = true
				break
			}
		}
		if !active {
			continue
		}
		if sid != numActive {
			return false, ErrActiveLayersNotPrefix
		}
		numActive++
	}
	return s.SetActiveSpatialLayers(numActive)
}

func (s *Scheduler) isKeySuperFrameStart() bool {
	return s.frameNum == 0 && s.spatialIdx == 0
}

func (s *Scheduler) fillMetadata(referenceIndices []int) *Metadata {
	numActive := len(s.activeSpatialLayerResolutions)
	md := &Metadata{
		SpatialIdx:                     s.spatialIdx,
		EndOfPicture:                   s.spatialIdx == numActive-1,
		ReferencedByUpperSpatialLayers: s.frameNum == 0 && s.spatialIdx < numActive-1,
	}

	if s.isKeySuperFrameStart() {
		md.SpatialLayerResolutions = append([]Resolution(nil), s.activeSpatialLayerResolutions...)
		return md
	}

	patternSize := len(s.temporalPattern)
	temporalIdx := s.temporalPattern[s.patternIndex].LayerIndex
	md.TemporalIdx = temporalIdx
	md.HasReference = s.frameNum != 0 && len(referenceIndices) != 0
	md.TemporalUpSwitch = true
	md.ReferenceLowerSpatialLayers = s.frameNum == 0 && s.spatialIdx != 0

	for _, slot := range referenceIndices {
		refPatternIndex := s.patternIndexOfRefFramesSlots[slot]
		if s.frameNum != 0 {
			pDiff := (s.patternIndex - refPatternIndex + patternSize) % patternSize
			if pDiff == 0 {
				pDiff = patternSize
			}
			md.PDiffs = append(md.PDiffs, pDiff)
		}
		if s.temporalPattern[refPatternIndex].LayerIndex == temporalIdx {
			md.TemporalUpSwitch = false
		}
	}
	return md
}

func (s *Scheduler) updateRefFramesPatternIndex(refreshIndices []int) {
	for _, slot := range refreshIndices {
		s.patternIndexOfRefFramesSlots[slot] = s.patternIndex
	}
}
