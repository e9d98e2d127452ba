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

package session

import (
	"context"

	"github.com/pion/rtp"

	"github.com/livekit/svc-scheduler/pkg/svc"
)

// Encoder encodes one spatial layer frame as annotated by the scheduler.
type Encoder interface {
	Encode(ctx context.Context, pic *svc.Picture, resolution svc.Resolution) ([]byte, error)
}

type PacketSink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// SyntheticEncoder produces frames of deterministic size without encoding
// any video. Key frames are larger than inter frames and higher temporal
// layers are smaller than lower ones.
type SyntheticEncoder struct {
	// PixelsPerByte controls the inter frame size, width*height/PixelsPerByte.
	PixelsPerByte int
	KeyFrameScale int
}

func NewSyntheticEncoder() *SyntheticEncoder {
	return &SyntheticEncoder{
		PixelsPerByte: 200,
		KeyFrameScale: 4,
	}
}

func (e *SyntheticEncoder) Encode(ctx context.Context, pic *svc.Picture, resolution svc.Resolution) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := resolution.Width * resolution.Height / e.PixelsPerByte
	if pic.IsKeyFrame {
		size *= e.KeyFrameScale
	} else if pic.Metadata != nil {
		size >>= pic.Metadata.TemporalIdx
	}
	if size < 1 {
		size = 1
	}

	var fill byte
	if pic.Metadata != nil {
		fill = byte(pic.Metadata.SpatialIdx<<4 | pic.Metadata.TemporalIdx)
	}
	frame := make([]byte, size)
	for i := range frame {
		frame[i] = fill
	}
	return frame, nil
}
