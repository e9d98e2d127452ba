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
	"strconv"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-scheduler/pkg/config"
	"github.com/livekit/svc-scheduler/pkg/descriptor"
	"github.com/livekit/svc-scheduler/pkg/svc"
	"github.com/livekit/svc-scheduler/pkg/telemetry/prometheus"
)

const (
	rtpClockRate = 90000
)

var (
	ErrNoEncoder = errors.New("no encoder")
	ErrNoSink    = errors.New("no packet sink")
)

// Decision records what the scheduler decided for one layer frame.
type Decision struct {
	PictureID    uint16
	FrameNum     int
	PatternIndex int
	Layer        svc.VideoLayer
	KeyFrame     bool
	RefFrameIdx  []int
	Refresh      svc.SlotSet
	PDiffs       []int
	Packets      int
	Bytes        int
}

type Params struct {
	Config  config.VideoConfig
	Encoder Encoder
	Sink    PacketSink
	Logger  logger.Logger
}

// Session drives a scheduler once per super-frame, encoding and packetizing
// every active spatial layer in order.
type Session struct {
	params Params
	logger logger.Logger

	lock       sync.Mutex
	scheduler  *svc.Scheduler
	packetizer *descriptor.Packetizer
	timestamp  uint32
	history    deque.Deque[Decision]
	// set when a super-frame was abandoned part way
	restart bool

	keyFrameRequested   atomic.Bool
	pendingActiveLayers atomic.Int32
}

func NewSession(params Params) (*Session, error) {
	if params.Encoder == nil {
		return nil, ErrNoEncoder
	}
	if params.Sink == nil {
		return nil, ErrNoSink
	}
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}

	l := params.Logger
	if l == nil {
		l = logger.GetLogger()
	}
	l = l.WithValues("ssrc", params.Config.SSRC)

	layers, err := params.Config.Layers()
	if err != nil {
		return nil, err
	}
	scheduler, err := svc.NewScheduler(svc.SchedulerParams{
		Layers: layers,
		Logger: l,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not create scheduler")
	}

	return &Session{
		params:    params,
		logger:    l,
		scheduler: scheduler,
		packetizer: descriptor.NewPacketizer(descriptor.PacketizerParams{
			SSRC:        params.Config.SSRC,
			PayloadType: params.Config.PayloadType,
			MTU:         params.Config.MTU,
			Logger:      l,
		}),
	}, nil
}

// RequestKeyFrame makes the next super-frame a key super-frame.
func (s *Session) RequestKeyFrame() {
	s.keyFrameRequested.Store(true)
}

// SetActiveLayers enables the first numLayers spatial layers starting at the
// next super-frame.
func (s *Session) SetActiveLayers(numLayers int) error {
	if numLayers < 1 || numLayers > s.scheduler.NumSpatialLayers() {
		return svc.ErrInvalidActiveLayers
	}
	s.pendingActiveLayers.Store(int32(numLayers))
	return nil
}

func (s *Session) ActiveLayers() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.scheduler.ActiveSpatialLayers()
}

// History returns the most recent decisions, oldest first.
func (s *Session) History() []Decision {
	s.lock.Lock()
	defer s.lock.Unlock()

	decisions := make([]Decision, 0, s.history.Len())
	for i := 0; i < s.history.Len(); i++ {
		decisions = append(decisions, s.history.At(i))
	}
	return decisions
}

// EncodeSuperFrame schedules, encodes and packetizes every active spatial
// layer of one super-frame.
func (s *Session) EncodeSuperFrame(ctx context.Context, timestamp uint32) ([]Decision, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	keyFrameRequested := s.keyFrameRequested.Swap(false)
	if s.restart {
		// rewind to the first spatial layer of a key super-frame
		s.scheduler.UpdateEncodeJob(true, s.params.Config.KeyFramePeriod)
		s.restart = false
		keyFrameRequested = true
	}

	if pending := s.pendingActiveLayers.Swap(0); pending != 0 {
		previous := s.scheduler.ActiveSpatialLayers()
		changed, err := s.scheduler.SetActiveSpatialLayers(int(pending))
		if err != nil {
			s.pendingActiveLayers.CompareAndSwap(0, pending)
			if keyFrameRequested {
				s.keyFrameRequested.Store(true)
			}
			return nil, err
		}
		if changed {
			prometheus.RecordActiveLayers(previous, int(pending))
		}
	}

	resolutions := s.scheduler.ActiveResolutions()
	decisions := make([]Decision, 0, len(resolutions))
	pictureID := s.packetizer.PictureID()
	for sid, resolution := range resolutions {
		isKeySuperFrame := s.scheduler.UpdateEncodeJob(keyFrameRequested && sid == 0, s.params.Config.KeyFramePeriod)
		if isKeySuperFrame {
			prometheus.IncrementKeySuperFrames()
			if keyFrameRequested {
				s.logger.Debugw("key frame requested")
			}
		}

		var pic svc.Picture
		s.scheduler.FillUsedRefFramesAndMetadata(&pic)
		decision := Decision{
			PictureID:    s.packetizer.PictureID(),
			FrameNum:     s.scheduler.FrameNum(),
			PatternIndex: s.scheduler.PatternIndex(),
			Layer:        pic.Metadata.Layer(),
			KeyFrame:     pic.IsKeyFrame,
			RefFrameIdx:  pic.RefFrameIdx,
			Refresh:      pic.Refresh,
			PDiffs:       pic.Metadata.PDiffs,
		}

		frame, err := s.params.Encoder.Encode(ctx, &pic, resolution)
		if err != nil {
			s.abandonSuperFrame(pictureID, sid, err)
			return decisions, errors.Wrapf(err, "could not encode spatial layer %d", sid)
		}

		packets, err := s.packetizer.Packetize(&pic, frame, timestamp)
		if err != nil {
			s.abandonSuperFrame(pictureID, sid, err)
			return decisions, errors.Wrapf(err, "could not packetize spatial layer %d", sid)
		}
		for _, pkt := range packets {
			if err := s.params.Sink.WriteRTP(pkt); err != nil {
				s.abandonSuperFrame(pictureID, sid, err)
				return decisions, err
			}
			decision.Bytes += len(pkt.Payload)
		}
		decision.Packets = len(packets)

		prometheus.RecordLayerFrame(sid, int(decision.Layer.Temporal), pic.Refresh.Len(), decision.PDiffs)
		prometheus.IncrementPackets(strconv.Itoa(sid), uint64(decision.Packets), uint64(decision.Bytes))

		s.pushDecision(decision)
		decisions = append(decisions, decision)
	}
	prometheus.IncrementPictures()
	return decisions, nil
}

// Run encodes super-frames at the configured frame rate until frames
// super-frames have been sent, or until ctx is done when frames is 0.
func (s *Session) Run(ctx context.Context, frames int) error {
	prometheus.SessionStarted()
	err := s.run(ctx, frames)
	prometheus.SessionEnded(err)
	return err
}

func (s *Session) run(ctx context.Context, frames int) error {
	fps := s.params.Config.FPS
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	s.logger.Infow(
		"starting session",
		"fps", fps,
		"layers", s.scheduler.ActiveResolutions(),
		"temporalLayers", s.scheduler.NumTemporalLayers(),
	)

	for i := 0; frames == 0 || i < frames; i++ {
		if i != 0 {
			select {
			case <-ctx.Done():
				s.logger.Infow("session stopped", "superFrames", i)
				return nil
			case <-ticker.C:
			}
		}

		if _, err := s.EncodeSuperFrame(ctx, s.timestamp); err != nil {
			if ctx.Err() != nil {
				s.logger.Infow("session stopped", "superFrames", i)
				return nil
			}
			s.logger.Errorw("could not encode super-frame", err, "superFrame", i)
			return err
		}
		s.timestamp += rtpClockRate / fps
	}

	s.logger.Infow("session finished", "superFrames", frames)
	return nil
}

// abandonSuperFrame restarts the stream at a key super-frame after a layer
// failed. Receivers never see a completed picture under pictureID.
func (s *Session) abandonSuperFrame(pictureID uint16, sid int, err error) {
	s.logger.Warnw("abandoning super-frame", err, "pictureID", pictureID, "spatialLayer", sid)
	s.restart = true
	if s.packetizer.PictureID() == pictureID {
		s.packetizer.SkipPicture()
	}
}

func (s *Session) pushDecision(d Decision) {
	if s.params.Config.HistorySize <= 0 {
		return
	}
	for s.history.Len() >= s.params.Config.HistorySize {
		s.history.PopFront()
	}
	s.history.PushBack(d)
}
