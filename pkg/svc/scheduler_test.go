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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
)

func newTestScheduler(t *testing.T, numTemporalLayers int, resolutions ...Resolution) *Scheduler {
	t.Helper()

	layers := make([]SpatialLayer, 0, len(resolutions))
	for _, r := range resolutions {
		layers = append(layers, SpatialLayer{Width: r.Width, Height: r.Height, TemporalLayers: numTemporalLayers})
	}
	s, err := NewScheduler(SchedulerParams{Layers: layers, Logger: logger.GetLogger()})
	require.NoError(t, err)
	return s
}

func encodeSuperFrame(s *Scheduler, keyFrameRequested bool, keyFramePeriod int) []*Picture {
	pics := make([]*Picture, 0, s.ActiveSpatialLayers())
	for i := 0; i < s.ActiveSpatialLayers(); i++ {
		s.UpdateEncodeJob(keyFrameRequested && i == 0, keyFramePeriod)
		pic := &Picture{}
		s.FillUsedRefFramesAndMetadata(pic)
		pics = append(pics, pic)
	}
	return pics
}

var (
	res320  = Resolution{Width: 320, Height: 240}
	res640  = Resolution{Width: 640, Height: 480}
	res1280 = Resolution{Width: 1280, Height: 720}
)

func TestNewScheduler(t *testing.T) {
	tests := []struct {
		name   string
		layers []SpatialLayer
		err    error
	}{
		{"no layers", nil, ErrNoSpatialLayers},
		{
			"too many spatial layers",
			[]SpatialLayer{{160, 120, 1}, {320, 240, 1}, {640, 480, 1}, {1280, 720, 1}},
			ErrTooManySpatialLayers,
		},
		{"zero temporal layers", []SpatialLayer{{320, 240, 0}}, ErrUnsupportedTemporalLayers},
		{"four temporal layers", []SpatialLayer{{320, 240, 4}}, ErrUnsupportedTemporalLayers},
		{"mismatched temporal layers", []SpatialLayer{{320, 240, 2}, {640, 480, 3}}, ErrTemporalLayerMismatch},
		{"empty resolution", []SpatialLayer{{0, 240, 1}}, ErrInvalidResolution},
		{"valid", []SpatialLayer{{320, 240, 3}, {640, 480, 3}, {1280, 720, 3}}, nil},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s, err := NewScheduler(SchedulerParams{Layers: test.layers})
			require.ErrorIs(t, err, test.err)
			if test.err != nil {
				require.Nil(t, s)
				return
			}
			require.Equal(t, len(test.layers), s.ActiveSpatialLayers())
			require.Equal(t, 0, s.FrameNum())
			require.Equal(t, 0, s.SpatialIdx())
			require.Equal(t, 0, s.PatternIndex())
		})
	}
}

func TestTemporalPatterns(t *testing.T) {
	expectedSizes := map[int]int{1: 1, 2: 8, 3: 8}
	for numTemporalLayers, size := range expectedSizes {
		pattern, err := TemporalPattern(numTemporalLayers)
		require.NoError(t, err)
		require.Len(t, pattern, size)

		for i, cfg := range pattern {
			require.Less(t, cfg.LayerIndex, numTemporalLayers)
			if cfg.LayerIndex == 0 {
				require.Equal(t, BufferReferenceAndUpdate, cfg.Buffers[0], "entry %d", i)
			}
		}
	}

	_, err := TemporalPattern(4)
	require.ErrorIs(t, err, ErrUnsupportedTemporalLayers)

	// callers get a copy
	pattern, _ := TemporalPattern(1)
	pattern[0].LayerIndex = 2
	pattern, _ = TemporalPattern(1)
	require.Equal(t, 0, pattern[0].LayerIndex)
}

func TestFrameConfigIndices(t *testing.T) {
	cfg := newFrameConfig(1, BufferReference, BufferReferenceAndUpdate)
	require.Equal(t, []int{1}, cfg.UpdateIndices(0))
	require.Equal(t, []int{5}, cfg.UpdateIndices(2))
	require.Equal(t, []int{2, 3}, cfg.RefFrameIndices(1, 3))

	// key super-frame: inter-layer prediction only
	require.Empty(t, cfg.RefFrameIndices(0, 0))
	require.Equal(t, []int{0}, cfg.RefFrameIndices(1, 0))
	require.Equal(t, []int{2}, cfg.RefFrameIndices(2, 0))
}

func TestUpdateEncodeJobCycles(t *testing.T) {
	s := newTestScheduler(t, 2, res320, res640)

	const keyFramePeriod = 3
	type position struct {
		frameNum   int
		spatialIdx int
	}
	for cycle := 0; cycle < 2; cycle++ {
		seen := map[position]int{}
		for i := 0; i < keyFramePeriod*s.ActiveSpatialLayers(); i++ {
			isKey := s.UpdateEncodeJob(false, keyFramePeriod)
			require.Equal(t, i == 0, isKey, "call %d", i)
			seen[position{s.FrameNum(), s.SpatialIdx()}]++
			s.FillUsedRefFramesAndMetadata(&Picture{})
		}

		require.Len(t, seen, keyFramePeriod*s.ActiveSpatialLayers())
		for p, count := range seen {
			require.Less(t, p.frameNum, keyFramePeriod)
			require.Less(t, p.spatialIdx, s.ActiveSpatialLayers())
			require.Equal(t, 1, count)
		}
	}
}

func TestKeyFrame(t *testing.T) {
	s := newTestScheduler(t, 3, res320, res640)

	// run into the middle of the pattern, then request a key frame
	for i := 0; i < 5; i++ {
		encodeSuperFrame(s, false, 100)
	}
	require.Equal(t, 4, s.PatternIndex())

	require.True(t, s.UpdateEncodeJob(true, 100))
	pic := &Picture{}
	used := s.FillUsedRefFramesAndMetadata(pic)
	require.Equal(t, [NumRefsPerFrame]bool{}, used)
	require.True(t, pic.IsKeyFrame)
	require.Empty(t, pic.RefFrameIdx)
	require.Equal(t, NumRefFrames, pic.Refresh.Len())
	require.Equal(t, uint8(0xff), pic.Refresh.Mask())
	require.Equal(t, 0, s.PatternIndex())

	md := pic.Metadata
	require.NotNil(t, md)
	require.Equal(t, []Resolution{res320, res640}, md.SpatialLayerResolutions)
	require.True(t, md.ReferencedByUpperSpatialLayers)
	require.False(t, md.EndOfPicture)
	require.False(t, md.HasReference)
	require.Empty(t, md.PDiffs)
}

func TestKeySuperFrameSpatialLayers(t *testing.T) {
	s := newTestScheduler(t, 1, res320, res640, res1280)

	pics := encodeSuperFrame(s, true, 4)
	require.Len(t, pics, 3)

	require.Empty(t, pics[0].RefFrameIdx)
	require.True(t, pics[0].IsKeyFrame)
	require.Equal(t, []Resolution{res320, res640, res1280}, pics[0].Metadata.SpatialLayerResolutions)

	require.Equal(t, []int{0}, pics[1].RefFrameIdx)
	require.Equal(t, []int{2}, pics[2].RefFrameIdx)

	for sid, pic := range pics[1:] {
		spatialIdx := sid + 1
		md := pic.Metadata
		require.False(t, pic.IsKeyFrame)
		require.Equal(t, spatialIdx, md.SpatialIdx)
		require.Equal(t, 0, md.TemporalIdx)
		require.True(t, md.ReferenceLowerSpatialLayers)
		require.False(t, md.HasReference)
		require.Empty(t, md.PDiffs)
		require.Nil(t, md.SpatialLayerResolutions)
		require.Equal(t, NewSlotSet(2*spatialIdx), pic.Refresh)
	}
	require.True(t, pics[1].Metadata.ReferencedByUpperSpatialLayers)
	require.False(t, pics[1].Metadata.EndOfPicture)
	require.False(t, pics[2].Metadata.ReferencedByUpperSpatialLayers)
	require.True(t, pics[2].Metadata.EndOfPicture)

	// delta super-frame: every layer predicts from its own previous frame
	pics = encodeSuperFrame(s, false, 4)
	for sid, pic := range pics {
		md := pic.Metadata
		require.Equal(t, []int{2 * sid}, pic.RefFrameIdx)
		require.Equal(t, NewSlotSet(2*sid), pic.Refresh)
		require.True(t, md.HasReference)
		require.False(t, md.ReferenceLowerSpatialLayers)
		require.False(t, md.ReferencedByUpperSpatialLayers)
		require.False(t, md.TemporalUpSwitch)
		require.Equal(t, []int{1}, md.PDiffs)
		require.Equal(t, sid == 2, md.EndOfPicture)
	}
}

func TestThreeTemporalLayers(t *testing.T) {
	s := newTestScheduler(t, 3, res640)

	const keyFramePeriod = 8
	expected := []struct {
		temporalIdx int
		refs        []int
		refresh     SlotSet
		pDiffs      []int
		upSwitch    bool
	}{
		{0, nil, AllSlots(), nil, false},
		{2, []int{0}, NewSlotSet(), []int{1}, true},
		{1, []int{0}, NewSlotSet(1), []int{2}, true},
		{2, []int{1}, NewSlotSet(), []int{1}, true},
		{0, []int{0}, NewSlotSet(0), []int{4}, false},
		{2, []int{0}, NewSlotSet(), []int{1}, true},
		{1, []int{0, 1}, NewSlotSet(1), []int{2, 4}, false},
		{2, []int{1}, NewSlotSet(), []int{1}, true},
	}

	for i, e := range expected {
		s.UpdateEncodeJob(false, keyFramePeriod)
		require.Equal(t, i, s.FrameNum())

		pic := &Picture{}
		used := s.FillUsedRefFramesAndMetadata(pic)
		require.Equal(t, e.temporalIdx, s.CurrentConfig().LayerIndex, "frame %d", i)
		require.Equal(t, e.refresh, pic.Refresh, "frame %d", i)
		if i == 0 {
			require.Empty(t, pic.RefFrameIdx)
			continue
		}

		require.Equal(t, e.refs, pic.RefFrameIdx, "frame %d", i)
		for r := 0; r < NumRefsPerFrame; r++ {
			require.Equal(t, r < len(e.refs), used[r], "frame %d", i)
		}
		md := pic.Metadata
		require.Equal(t, e.temporalIdx, md.TemporalIdx, "frame %d", i)
		require.Equal(t, e.pDiffs, md.PDiffs, "frame %d", i)
		require.Equal(t, e.upSwitch, md.TemporalUpSwitch, "frame %d", i)
		require.True(t, md.HasReference)
		require.True(t, md.EndOfPicture)
	}

	// period elapsed, next super-frame is a key super-frame
	require.True(t, s.UpdateEncodeJob(false, keyFramePeriod))
}

func TestTwoTemporalLayers(t *testing.T) {
	s := newTestScheduler(t, 2, res640)

	var layers []int
	for i := 0; i < 8; i++ {
		pics := encodeSuperFrame(s, false, 100)
		layers = append(layers, s.CurrentConfig().LayerIndex)
		if i == 1 {
			// first enhancement frame only updates the second slot
			require.Equal(t, []int{0}, pics[0].RefFrameIdx)
			require.Equal(t, NewSlotSet(1), pics[0].Refresh)
		}
		if i == 3 {
			require.Equal(t, []int{0, 1}, pics[0].RefFrameIdx)
			require.Equal(t, []int{1, 2}, pics[0].Metadata.PDiffs)
			require.False(t, pics[0].Metadata.TemporalUpSwitch)
		}
	}
	require.Equal(t, []int{0, 1, 0, 1, 0, 1, 0, 1}, layers)
}

func TestPDiffPositive(t *testing.T) {
	for numTemporalLayers := 1; numTemporalLayers <= MaxTemporalLayers; numTemporalLayers++ {
		s := newTestScheduler(t, numTemporalLayers, res320, res640, res1280)
		for i := 0; i < 100; i++ {
			pics := encodeSuperFrame(s, i%37 == 0, 30)
			for _, pic := range pics {
				md := pic.Metadata
				if md.HasReference {
					require.Len(t, md.PDiffs, len(pic.RefFrameIdx))
				}
				for _, pDiff := range md.PDiffs {
					require.GreaterOrEqual(t, pDiff, 1)
					require.LessOrEqual(t, pDiff, s.PatternSize())
				}
			}
		}
	}
}

func TestSetActiveSpatialLayers(t *testing.T) {
	s := newTestScheduler(t, 1, res320, res640, res1280)
	encodeSuperFrame(s, false, 100)
	encodeSuperFrame(s, false, 100)

	_, err := s.SetActiveSpatialLayers(0)
	require.ErrorIs(t, err, ErrInvalidActiveLayers)
	_, err = s.SetActiveSpatialLayers(4)
	require.ErrorIs(t, err, ErrInvalidActiveLayers)

	changed, err := s.SetActiveSpatialLayers(3)
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = s.SetActiveSpatialLayers(2)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, []Resolution{res320, res640}, s.ActiveResolutions())

	require.True(t, s.UpdateEncodeJob(false, 100))
	pic := &Picture{}
	s.FillUsedRefFramesAndMetadata(pic)
	require.True(t, pic.IsKeyFrame)
	require.Equal(t, []Resolution{res320, res640}, pic.Metadata.SpatialLayerResolutions)

	// cannot change in the middle of a super-frame
	_, err = s.SetActiveSpatialLayers(1)
	require.ErrorIs(t, err, ErrMidSuperFrame)

	s.UpdateEncodeJob(false, 100)
	pic = &Picture{}
	s.FillUsedRefFramesAndMetadata(pic)
	require.True(t, pic.Metadata.EndOfPicture)
	require.Equal(t, []int{0}, pic.RefFrameIdx)
}

func TestUpdateActiveLayersFromBitrate(t *testing.T) {
	s := newTestScheduler(t, 2, res320, res640, res1280)

	changed, err := s.UpdateActiveLayersFromBitrate([][]uint32{{100, 50}, {0, 200}, {0, 0}})
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2, s.ActiveSpatialLayers())

	_, err = s.UpdateActiveLayersFromBitrate([][]uint32{{100}, {0}, {300}})
	require.ErrorIs(t, err, ErrActiveLayersNotPrefix)

	_, err = s.UpdateActiveLayersFromBitrate([][]uint32{{0}, {0}, {0}})
	require.ErrorIs(t, err, ErrInvalidActiveLayers)
}

func TestPreconditionViolations(t *testing.T) {
	s := newTestScheduler(t, 1, res320)
	require.Panics(t, func() { s.UpdateEncodeJob(false, 0) })

	s.UpdateEncodeJob(false, 10)
	s.FillUsedRefFramesAndMetadata(&Picture{})
	require.Panics(t, func() { s.FillUsedRefFramesAndMetadata(&Picture{}) })
}

func TestGetFpsAllocation(t *testing.T) {
	require.Equal(t, []uint8{255}, GetFpsAllocation(1))
	require.Equal(t, []uint8{128, 255}, GetFpsAllocation(2))
	require.Equal(t, []uint8{64, 128, 255}, GetFpsAllocation(3))
	require.Panics(t, func() { GetFpsAllocation(0) })
	require.Panics(t, func() { GetFpsAllocation(4) })
}

func TestScalabilityMode(t *testing.T) {
	mode, err := ParseScalabilityMode("L3T2")
	require.NoError(t, err)
	require.Equal(t, ScalabilityMode{SpatialLayers: 3, TemporalLayers: 2}, mode)
	require.Equal(t, "L3T2", mode.String())
	require.Equal(t, []SpatialLayer{
		{Width: 320, Height: 180, TemporalLayers: 2},
		{Width: 640, Height: 360, TemporalLayers: 2},
		{Width: 1280, Height: 720, TemporalLayers: 2},
	}, mode.Layers(1280, 720))

	for _, invalid := range []string{"", "L4T1", "L1T0", "S2T1", "L2T2_KEY"} {
		_, err := ParseScalabilityMode(invalid)
		require.ErrorIs(t, err, ErrInvalidScalabilityMode, invalid)
	}
}

func TestSlotSet(t *testing.T) {
	s := NewSlotSet(4, 1)
	require.Equal(t, []int{1, 4}, s.Slots())
	require.Equal(t, uint8(0x12), s.Mask())
	require.True(t, s.Contains(4))
	require.False(t, s.Contains(0))
	require.False(t, s.Contains(9))
	require.Equal(t, "{1,4}", s.String())
	require.True(t, NewSlotSet().IsEmpty())
	require.Panics(t, func() { s.Add(8) })
}
