package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gammazero/workerpool"
	"github.com/olekukonko/tablewriter"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-scheduler/pkg/config"
	"github.com/livekit/svc-scheduler/pkg/selector"
	"github.com/livekit/svc-scheduler/pkg/session"
	"github.com/livekit/svc-scheduler/pkg/svc"
	"github.com/livekit/svc-scheduler/pkg/telemetry/prometheus"
)

type sessionOptions struct {
	sessions       int
	frames         int
	targetSpatial  int
	targetTemporal int
}

// selectorSink receives the packets of one session the way an SFU
// subscriber would, forwarding only the target layers.
type selectorSink struct {
	selector *selector.VP9

	packets        uint64
	bytes          uint64
	forwarded      uint64
	forwardedBytes uint64
	markers        uint64
}

func newSelectorSink(layers []svc.SpatialLayer, targetSpatial, targetTemporal int, l logger.Logger) *selectorSink {
	maxLayer := svc.VideoLayer{
		Spatial:  int32(len(layers) - 1),
		Temporal: int32(layers[0].TemporalLayers - 1),
	}
	target := maxLayer
	if targetSpatial >= 0 && int32(targetSpatial) < maxLayer.Spatial {
		target.Spatial = int32(targetSpatial)
	}
	if targetTemporal >= 0 && int32(targetTemporal) < maxLayer.Temporal {
		target.Temporal = int32(targetTemporal)
	}

	vls := selector.NewVP9(l)
	vls.SetMax(maxLayer)
	vls.SetTarget(target)
	return &selectorSink{selector: vls}
}

func (s *selectorSink) WriteRTP(pkt *rtp.Packet) error {
	extPkt, err := selector.NewExtPacket(pkt)
	if err != nil {
		return err
	}

	s.packets++
	s.bytes += uint64(len(pkt.Payload))
	result := s.selector.Select(extPkt)
	if result.IsSelected {
		s.forwarded++
		s.forwardedBytes += uint64(len(pkt.Payload))
		if result.RTPMarker {
			s.markers++
		}
	}
	return nil
}

func runSessions(ctx context.Context, conf *config.Config, opts sessionOptions) error {
	if opts.sessions < 1 {
		opts.sessions = 1
	}
	layers, err := conf.Video.Layers()
	if err != nil {
		return err
	}

	var (
		lock sync.Mutex
		errs error
	)
	sinks := make([]*selectorSink, opts.sessions)
	pool := workerpool.New(opts.sessions)
	for i := 0; i < opts.sessions; i++ {
		videoConf := conf.Video
		videoConf.SSRC += uint32(i)
		l := logger.GetLogger().WithValues("session", i)
		sink := newSelectorSink(layers, opts.targetSpatial, opts.targetTemporal, l)
		sinks[i] = sink

		pool.Submit(func() {
			s, err := session.NewSession(session.Params{
				Config:  videoConf,
				Encoder: session.NewSyntheticEncoder(),
				Sink:    sink,
				Logger:  l,
			})
			if err == nil {
				err = s.Run(ctx, opts.frames)
			}
			if err != nil {
				lock.Lock()
				errs = multierr.Append(errs, errors.Wrapf(err, "session %d", i))
				lock.Unlock()
			}
		})
	}
	pool.StopWait()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"Session",
		"SSRC",
		"Packets",
		"Bytes",
		"Forwarded",
		"Forwarded Bytes",
		"Pictures",
	})
	for i, sink := range sinks {
		table.Append([]string{
			strconv.Itoa(i),
			fmt.Sprintf("%#x", conf.Video.SSRC+uint32(i)),
			humanize.Comma(int64(sink.packets)),
			humanize.Bytes(sink.bytes),
			humanize.Comma(int64(sink.forwarded)),
			humanize.Bytes(sink.forwardedBytes),
			humanize.Comma(int64(sink.markers)),
		})
	}
	table.Render()

	stats := prometheus.GetPacketStats()
	fmt.Printf("sent %s packets, %s in %s pictures\n",
		humanize.Comma(int64(stats.PacketsOut)), humanize.Bytes(stats.BytesOut), humanize.Comma(int64(stats.Pictures)))
	return errs
}

func printPlan(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	layers, err := conf.Video.Layers()
	if err != nil {
		return err
	}
	scheduler, err := svc.NewScheduler(svc.SchedulerParams{
		Layers: layers,
		Logger: logger.GetLogger(),
	})
	if err != nil {
		return errors.Wrap(err, "could not create scheduler")
	}

	return writePlan(c.Context, os.Stdout, scheduler, conf.Video.KeyFramePeriod, c.Int("super-frames"))
}

func writePlan(ctx context.Context, w io.Writer, scheduler *svc.Scheduler, keyFramePeriod int, superFrames int) error {
	encoder := session.NewSyntheticEncoder()
	resolutions := scheduler.ActiveResolutions()

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"Frame",
		"Pattern",
		"Layer",
		"Key",
		"Refs",
		"Refresh",
		"P_DIFF",
		"U",
		"D",
		"Z",
		"End",
		"Size",
	})

	for i := 0; i < superFrames; i++ {
		for sid := range resolutions {
			scheduler.UpdateEncodeJob(false, keyFramePeriod)

			var pic svc.Picture
			scheduler.FillUsedRefFramesAndMetadata(&pic)
			md := pic.Metadata

			frame, err := encoder.Encode(ctx, &pic, resolutions[sid])
			if err != nil {
				return err
			}

			table.Append([]string{
				strconv.Itoa(scheduler.FrameNum()),
				strconv.Itoa(scheduler.PatternIndex()),
				fmt.Sprintf("S%dT%d", md.SpatialIdx, md.TemporalIdx),
				mark(pic.IsKeyFrame),
				ints(pic.RefFrameIdx),
				pic.Refresh.String(),
				ints(md.PDiffs),
				mark(md.TemporalUpSwitch),
				mark(md.ReferenceLowerSpatialLayers),
				mark(!md.ReferencedByUpperSpatialLayers),
				mark(md.EndOfPicture),
				humanize.Bytes(uint64(len(frame))),
			})
		}
	}

	table.Render()
	return nil
}

func printFpsAllocation(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	layers, err := conf.Video.Layers()
	if err != nil {
		return err
	}
	numTemporalLayers := layers[0].TemporalLayers
	allocation := svc.GetFpsAllocation(numTemporalLayers)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Temporal Layer", "Fraction", "FPS"})
	for tid := 0; tid < numTemporalLayers; tid++ {
		table.Append([]string{
			strconv.Itoa(tid),
			fmt.Sprintf("%d/255", allocation[tid]),
			fmt.Sprintf("%.2f", float64(conf.Video.FPS)*float64(allocation[tid])/255),
		})
	}
	table.Render()
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}

func mark(b bool) string {
	if b {
		return "x"
	}
	return ""
}

func ints(values []int) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}
