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
	"errors"

	"github.com/pion/rtp"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/svc-scheduler/pkg/svc"
)

const (
	rtpHeaderSize = 12

	DefaultMTU = 1200
)

var (
	ErrEmptyFrame      = errors.New("empty frame")
	ErrMTUTooSmall     = errors.New("mtu too small for payload descriptor")
	ErrMissingMetadata = errors.New("picture has no scalability metadata")
)

type PacketizerParams struct {
	SSRC                  uint32
	PayloadType           uint8
	MTU                   int
	InitialSequenceNumber uint16
	InitialPictureID      uint16
	Logger                logger.Logger
}

// Packetizer turns the layer frames of a super-frame into RTP packets.
// The picture id advances after the last layer frame of every super-frame.
type Packetizer struct {
	params PacketizerParams
	logger logger.Logger

	sequenceNumber uint16
	pictureID      uint16
}

func NewPacketizer(params PacketizerParams) *Packetizer {
	if params.MTU == 0 {
		params.MTU = DefaultMTU
	}
	l := params.Logger
	if l == nil {
		l = logger.GetLogger()
	}
	return &Packetizer{
		params:         params,
		logger:         l,
		sequenceNumber: params.InitialSequenceNumber,
		pictureID:      params.InitialPictureID & maxPictureID,
	}
}

func (p *Packetizer) PictureID() uint16 {
	return p.pictureID
}

func (p *Packetizer) SequenceNumber() uint16 {
	return p.sequenceNumber
}

// SkipPicture moves to the next picture id without closing the current picture.
func (p *Packetizer) SkipPicture() {
	p.pictureID = (p.pictureID + 1) & maxPictureID
}

// Packetize splits the encoded frame of pic into packets sharing timestamp.
func (p *Packetizer) Packetize(pic *svc.Picture, frame []byte, timestamp uint32) ([]*rtp.Packet, error) {
	if pic.Metadata == nil {
		return nil, ErrMissingMetadata
	}
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	first, err := FromMetadata(pic.Metadata, p.pictureID)
	if err != nil {
		return nil, err
	}
	rest := first.Continuation()

	var packets []*rtp.Packet
	remaining := frame
	for len(remaining) > 0 {
		desc := rest
		if len(packets) == 0 {
			desc = first
		}

		capacity := p.params.MTU - rtpHeaderSize - desc.HeaderSize()
		if capacity <= 0 {
			return nil, ErrMTUTooSmall
		}
		n := capacity
		if n > len(remaining) {
			n = len(remaining)
		}

		last := n == len(remaining)
		if last {
			// only the last packet differs in the E bit, marshal a copy
			d := *desc
			d.E = true
			desc = &d
		}

		payload := make([]byte, desc.HeaderSize()+n)
		if err := desc.MarshalTo(payload); err != nil {
			return nil, err
		}
		copy(payload[desc.HeaderSize():], remaining[:n])
		remaining = remaining[n:]

		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         last && pic.Metadata.EndOfPicture,
				PayloadType:    p.params.PayloadType,
				SequenceNumber: p.sequenceNumber,
				Timestamp:      timestamp,
				SSRC:           p.params.SSRC,
			},
			Payload: payload,
		})
		p.sequenceNumber++
	}

	if pic.Metadata.EndOfPicture {
		p.pictureID = (p.pictureID + 1) & maxPictureID
	}
	return packets, nil
}
