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
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/livekit/svc-scheduler/pkg/svc"
)

// ExtPacket is an RTP packet carrying VP9 with its parsed payload descriptor.
type ExtPacket struct {
	Packet     *rtp.Packet
	Payload    codecs.VP9Packet
	VideoLayer svc.VideoLayer
	KeyFrame   bool
}

func NewExtPacket(pkt *rtp.Packet) (*ExtPacket, error) {
	var vp9 codecs.VP9Packet
	if _, err := vp9.Unmarshal(pkt.Payload); err != nil {
		return nil, err
	}

	layer := svc.VideoLayer{Spatial: 0, Temporal: 0}
	if vp9.L {
		layer.Spatial = int32(vp9.SID)
		layer.Temporal = int32(vp9.TID)
	}
	return &ExtPacket{
		Packet:     pkt,
		Payload:    vp9,
		VideoLayer: layer,
		KeyFrame:   !vp9.P && vp9.B && layer.Spatial == 0,
	}, nil
}
