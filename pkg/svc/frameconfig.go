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
	"strings"
)

const (
	MaxSpatialLayers  = 3
	MaxTemporalLayers = 3

	// NumRefFramesPerSpatialLayer is the number of reference slots owned by each spatial layer.
	NumRefFramesPerSpatialLayer = 2
	// MaxNumUsedRefFrames is the number of reference slots the scheduler ever reads or writes.
	MaxNumUsedRefFrames = NumRefFramesPerSpatialLayer * MaxSpatialLayers

	// NumRefFrames is the size of the VP9 reference frame pool.
	NumRefFrames = 8
	// NumRefsPerFrame is the number of references a VP9 frame can use.
	NumRefsPerFrame = 3
)

// BufferFlag is the relation of a frame to one of the reference slots of its spatial layer.
type BufferFlag int

const (
	BufferNone BufferFlag = iota
	BufferReference
	BufferUpdate
	BufferReferenceAndUpdate
)

func (b BufferFlag) IsReference() bool {
	return b == BufferReference || b == BufferReferenceAndUpdate
}

func (b BufferFlag) IsUpdate() bool {
	return b == BufferUpdate || b == BufferReferenceAndUpdate
}

func (b BufferFlag) String() string {
	switch b {
	case BufferNone:
		return "NONE"
	case BufferReference:
		return "REF"
	case BufferUpdate:
		return "UPD"
	case BufferReferenceAndUpdate:
		return "REF+UPD"
	default:
		return fmt.Sprintf("%d", int(b))
	}
}

// ------------------------------------------------------

// SlotSet is a set of slots of the VP9 reference frame pool.
type SlotSet struct {
	slots [NumRefFrames]bool
}

func AllSlots() SlotSet {
	var s SlotSet
	for i := range s.slots {
		s.slots[i] = true
	}
	return s
}

func NewSlotSet(slots ...int) SlotSet {
	var s SlotSet
	for _, slot := range slots {
		s.Add(slot)
	}
	return s
}

func (s *SlotSet) Add(slot int) {
	if slot < 0 || slot >= NumRefFrames {
		panic(fmt.Sprintf("reference slot %d out of range", slot))
	}
	s.slots[slot] = true
}

func (s SlotSet) Contains(slot int) bool {
	if slot < 0 || slot >= NumRefFrames {
		return false
	}
	return s.slots[slot]
}

func (s SlotSet) Len() int {
	n := 0
	for _, set := range s.slots {
		if set {
			n++
		}
	}
	return n
}

func (s SlotSet) IsEmpty() bool {
	return s.Len() == 0
}

// Slots returns the slots in ascending order.
func (s SlotSet) Slots() []int {
	slots := make([]int, 0, NumRefFrames)
	for i, set := range s.slots {
		if set {
			slots = append(slots, i)
		}
	}
	return slots
}

// Mask returns the set as a VP9 refresh_frame_flags value.
func (s SlotSet) Mask() uint8 {
	var mask uint8
	for i, set := range s.slots {
		if set {
			mask |= 1 << i
		}
	}
	return mask
}

func (s SlotSet) String() string {
	slots := s.Slots()
	parts := make([]string, 0, len(slots))
	for _, slot := range slots {
		parts = append(parts, fmt.Sprintf("%d", slot))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// ------------------------------------------------------

// FrameConfig is one entry of a temporal layer pattern.
type FrameConfig struct {
	LayerIndex int
	Buffers    [NumRefFramesPerSpatialLayer]BufferFlag
}

func newFrameConfig(layerIndex int, first, second BufferFlag) FrameConfig {
	return FrameConfig{
		LayerIndex: layerIndex,
		Buffers:    [NumRefFramesPerSpatialLayer]BufferFlag{first, second},
	}
}

// UpdateIndices returns the global slots a frame of spatialIdx refreshes.
func (f FrameConfig) UpdateIndices(spatialIdx int) []int {
	indices := make([]int, 0, NumRefFramesPerSpatialLayer)
	for i, flag := range f.Buffers {
		if flag.IsUpdate() {
			indices = append(indices, i+NumRefFramesPerSpatialLayer*spatialIdx)
		}
	}
	return indices
}

// RefFrameIndices returns the global slots a frame of spatialIdx references.
// On a key super-frame only the lower spatial layer is available, so an
// upper layer references the first slot of the layer below it.
func (f FrameConfig) RefFrameIndices(spatialIdx int, frameNum int) []int {
	if frameNum == 0 {
		if spatialIdx == 0 {
			return nil
		}
		return []int{(spatialIdx - 1) * NumRefFramesPerSpatialLayer}
	}

	indices := make([]int, 0, NumRefFramesPerSpatialLayer)
	for i, flag := range f.Buffers {
		if flag.IsReference() {
			indices = append(indices, i+NumRefFramesPerSpatialLayer*spatialIdx)
		}
	}
	return indices
}

func (f FrameConfig) String() string {
	return fmt.Sprintf("FrameConfig{tl: %d, buffers: [%s, %s]}", f.LayerIndex, f.Buffers[0], f.Buffers[1])
}

// ------------------------------------------------------

// Temporal layer patterns, keyed by number of temporal layers.
//
// 1 layer: every frame references and updates the first slot.
//
//	[TL0]->[TL0]->[TL0]->...
//
// 2 layers: TL0 references and updates the first slot, TL1 references the
// first slot and keeps the second one updated.
//
//	     [TL1]       [TL1]
//	    /           /
//	[TL0]-------->[TL0]-->
//
// 3 layers: TL0 references and updates the first slot, TL1 references the
// first slot and updates the second, TL2 references one of them and updates
// nothing.
//
//	   [TL2]      [TL2]
//	  _/   [TL1]--/
//	 /_______/
//	[TL0]--------------->[TL0]
var temporalPatterns = map[int][]FrameConfig{
	1: {
		newFrameConfig(0, BufferReferenceAndUpdate, BufferNone),
	},
	2: {
		newFrameConfig(0, BufferReferenceAndUpdate, BufferNone),
		newFrameConfig(1, BufferReference, BufferUpdate),
		newFrameConfig(0, BufferReferenceAndUpdate, BufferNone),
		newFrameConfig(1, BufferReference, BufferReferenceAndUpdate),
		newFrameConfig(0, BufferReferenceAndUpdate, BufferNone),
		newFrameConfig(1, BufferReference, BufferReferenceAndUpdate),
		newFrameConfig(0, BufferReferenceAndUpdate, BufferNone),
		newFrameConfig(1, BufferReference, BufferReferenceAndUpdate),
	},
	3: {
		newFrameConfig(0, BufferReferenceAndUpdate, BufferNone),
		newFrameConfig(2, BufferReference, BufferNone),
		newFrameConfig(1, BufferReference, BufferUpdate),
		newFrameConfig(2, BufferNone, BufferReference),
		newFrameConfig(0, BufferReferenceAndUpdate, BufferNone),
		newFrameConfig(2, BufferReference, BufferNone),
		newFrameConfig(1, BufferReference, BufferReferenceAndUpdate),
		newFrameConfig(2, BufferNone, BufferReference),
	},
}

// TemporalPattern returns a copy of the pattern for numTemporalLayers.
func TemporalPattern(numTemporalLayers int) ([]FrameConfig, error) {
	pattern, ok := temporalPatterns[numTemporalLayers]
	if !ok {
		return nil, ErrUnsupportedTemporalLayers
	}
	return append([]FrameConfig(nil), pattern...), nil
}
