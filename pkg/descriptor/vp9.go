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

package descriptor

import (
	"encoding/binary"
	"errors"

	"github.com/livekit/svc-scheduler/pkg/svc"
)

var (
	errShortPacket     = errors.New("packet is not large enough")
	errTooManyPDiffs   = errors.New("too many reference pictures")
	errInvalidPDiff    = errors.New("p_diff out of range")
	errTooManyLayers   = errors.New("too many spatial layers in scalability structure")
	errNonFlexibleMode = errors.New("only flexible mode is supported")
	errInvalidSize     = errors.New("layer resolution does not fit the scalability structure")
)

const (
	maxPictureID = 0x7fff
	maxPDiff     = 0x7f
	maxDimension = 0xffff
)

// VP9 is the VP9 RTP payload descriptor in flexible mode.
/*
	        0 1 2 3 4 5 6 7
	       +-+-+-+-+-+-+-+-+
	       |I|P|L|F|B|E|V|Z| (REQUIRED)
	       +-+-+-+-+-+-+-+-+
	  I:   |M| PICTURE ID  | (REQUIRED)
	       +-+-+-+-+-+-+-+-+
	  M:   | EXTENDED PID  | (RECOMMENDED)
	       +-+-+-+-+-+-+-+-+
	  L:   | TID |U| SID |D| (CONDITIONALLY RECOMMENDED)
	       +-+-+-+-+-+-+-+-+                             -\
	  P,F: | P_DIFF      |N| (CONDITIONALLY REQUIRED)    - up to 3 times
	       +-+-+-+-+-+-+-+-+                             -/
	  V:   | SS            |
	       | ..            |
	       +-+-+-+-+-+-+-+-+

	SS:    |N_S|Y|G|-|-|-|
	       +-+-+-+-+-+-+-+-+              -\
	  Y:   |     WIDTH     | (OPTIONAL)    .
	       +               +               .
	       |               | (OPTIONAL)    .
	       +-+-+-+-+-+-+-+-+               . N_S + 1 times
	       |     HEIGHT    | (OPTIONAL)    .
	       +               +               .
	       |               | (OPTIONAL)    .
	       +-+-+-+-+-+-+-+-+              -/
*/
type VP9 struct {
	I         bool
	PictureID uint16 /* 15 bits */

	P bool // inter-picture predicted
	L bool
	F bool
	B bool
	E bool
	V bool
	Z bool // not a reference for upper spatial layers

	TID uint8
	U   bool
	SID uint8
	D   bool // inter-layer predicted

	PDiff []uint8

	// Resolutions of the scalability structure, present when V is set.
	Resolutions []svc.Resolution
}

// FromMetadata builds the descriptor of the first packet of a layer frame.
func FromMetadata(md *svc.Metadata, pictureID uint16) (*VP9, error) {
	v := &VP9{
		I:         true,
		PictureID: pictureID & maxPictureID,
		P:         md.HasReference,
		L:         true,
		F:         true,
		B:         true,
		Z:         !md.ReferencedByUpperSpatialLayers,
		TID:       uint8(md.TemporalIdx),
		U:         md.TemporalUpSwitch,
		SID:       uint8(md.SpatialIdx),
		D:         md.ReferenceLowerSpatialLayers,
	}

	if v.P {
		if len(md.PDiffs) > svc.NumRefsPerFrame {
			return nil, errTooManyPDiffs
		}
		for _, pDiff := range md.PDiffs {
			if pDiff <= 0 || pDiff > maxPDiff {
				return nil, errInvalidPDiff
			}
			v.PDiff = append(v.PDiff, uint8(pDiff))
		}
	}

	if len(md.SpatialLayerResolutions) != 0 {
		if len(md.SpatialLayerResolutions) > 8 {
			return nil, errTooManyLayers
		}
		for _, r := range md.SpatialLayerResolutions {
			if r.Width <= 0 || r.Height <= 0 || r.Width > maxDimension || r.Height > maxDimension {
				return nil, errInvalidSize
			}
		}
		v.V = true
		v.Resolutions = append([]svc.Resolution(nil), md.SpatialLayerResolutions...)
	}
	return v, nil
}

// Continuation returns the descriptor of a non-first packet of the same layer frame.
func (v *VP9) Continuation() *VP9 {
	c := *v
	c.B = false
	c.E = false
	c.V = false
	c.Resolutions = nil
	return &c
}

func (v *VP9) Layer() svc.VideoLayer {
	return svc.VideoLayer{Spatial: int32(v.SID), Temporal: int32(v.TID)}
}

func (v *VP9) HeaderSize() int {
	size := 1
	if v.I {
		size += 2
	}
	if v.L {
		size++
	}
	if v.F && v.P {
		size += len(v.PDiff)
	}
	if v.V {
		size += 1 + 4*len(v.Resolutions)
	}
	return size
}

func (v *VP9) Marshal() ([]byte, error) {
	buf := make([]byte, v.HeaderSize())
	err := v.MarshalTo(buf)
	return buf, err
}

func (v *VP9) MarshalTo(buf []byte) error {
	if !v.F {
		return errNonFlexibleMode
	}
	if len(buf) < v.HeaderSize() {
		return errShortPacket
	}

	idx := 0
	buf[idx] = 0
	if v.I {
		buf[idx] |= 0x80
	}
	if v.P {
		buf[idx] |= 0x40
	}
	if v.L {
		buf[idx] |= 0x20
	}
	if v.F {
		buf[idx] |= 0x10
	}
	if v.B {
		buf[idx] |= 0x08
	}
	if v.E {
		buf[idx] |= 0x04
	}
	if v.V {
		buf[idx] |= 0x02
	}
	if v.Z {
		buf[idx] |= 0x01
	}
	idx++

	if v.I {
		// always use the 15 bit picture id
		binary.BigEndian.PutUint16(buf[idx:], 0x8000|(v.PictureID&maxPictureID))
		idx += 2
	}

	if v.L {
		buf[idx] = (v.TID&0x07)<<5 | (v.SID&0x07)<<1
		if v.U {
			buf[idx] |= 0x10
		}
		if v.D {
			buf[idx] |= 0x01
		}
		idx++
	}

	if v.P {
		if len(v.PDiff) == 0 || len(v.PDiff) > svc.NumRefsPerFrame {
			return errTooManyPDiffs
		}
		for i, pDiff := range v.PDiff {
			buf[idx] = pDiff << 1
			if i != len(v.PDiff)-1 {
				buf[idx] |= 0x01 // N bit
			}
			idx++
		}
	}

	if v.V {
		if len(v.Resolutions) == 0 || len(v.Resolutions) > 8 {
			return errTooManyLayers
		}
		buf[idx] = byte(len(v.Resolutions)-1)<<5 | 0x10 // Y bit
		idx++
		for _, r := range v.Resolutions {
			if r.Width < 0 || r.Height < 0 || r.Width > maxDimension || r.Height > maxDimension {
				return errInvalidSize
			}
			binary.BigEndian.PutUint16(buf[idx:], uint16(r.Width))
			binary.BigEndian.PutUint16(buf[idx+2:], uint16(r.Height))
			idx += 4
		}
	}
	return nil
}
