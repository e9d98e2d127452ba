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

import "fmt"

type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

type SpatialLayer struct {
	Width          int
	Height         int
	TemporalLayers int
}

func (s SpatialLayer) Resolution() Resolution {
	return Resolution{Width: s.Width, Height: s.Height}
}

// Metadata is the scalability information of one layer frame, as needed by
// the packetizer to describe the frame in the RTP payload descriptor.
type Metadata struct {
	SpatialIdx  int
	TemporalIdx int

	HasReference                   bool
	TemporalUpSwitch               bool
	ReferenceLowerSpatialLayers    bool
	ReferencedByUpperSpatialLayers bool
	EndOfPicture                   bool

	// PDiffs is ordered like Picture.RefFrameIdx.
	PDiffs []int

	// SpatialLayerResolutions is only set on the first layer of a key super-frame.
	SpatialLayerResolutions []Resolution
}

func (m *Metadata) Layer() VideoLayer {
	return VideoLayer{Spatial: int32(m.SpatialIdx), Temporal: int32(m.TemporalIdx)}
}

// Picture is the per spatial layer encode request annotated by the scheduler.
type Picture struct {
	IsKeyFrame bool

	// RefFrameIdx holds the reference pool slots used, at most NumRefsPerFrame.
	RefFrameIdx []int
	// Refresh is the set of pool slots overwritten after encoding.
	Refresh SlotSet

	Metadata *Metadata
}

func (p *Picture) String() string {
	if p == nil {
		return "Picture{nil}"
	}
	return fmt.Sprintf("Picture{key: %v, refs: %v, refresh: %s}", p.IsKeyFrame, p.RefFrameIdx, p.Refresh)
}
