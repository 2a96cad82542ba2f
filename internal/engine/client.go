package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/media"
	"github.com/MrWong99/callrelay/pkg/provider/realtime"
)

// clientLoop reads client frames until the client stops, the connection
// closes, or ctx ends.
func (s *Session) clientLoop(ctx context.Context) error {
	for {
		frame, err := s.client.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || s.closing() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				s.logger().Info("client disconnected")
				s.end("client_closed")
				return nil
			}
			return fmt.Errorf("%w: client read: %w", ErrTransport, err)
		}

		ev := s.media.ParseMessage(frame)
		if stop := s.handleClientEvent(ctx, ev); stop {
			return nil
		}
	}
}

// handleClientEvent applies one client event. It reports true when the
// client asked to stop.
func (s *Session) handleClientEvent(ctx context.Context, ev media.Event) bool {
	switch ev.Kind {
	case media.EventStart:
		s.mu.Lock()
		for k, v := range ev.Metadata {
			s.st.metadata[k] = v
		}
		s.st.streamID = ev.Metadata[media.MetaStreamID]
		s.mu.Unlock()
		s.logger().Info("client stream started", "stream_id", ev.Metadata[media.MetaStreamID], "call_id", ev.Metadata[media.MetaCallID])

	case media.EventStop:
		s.logger().Info("client stream stopped")
		s.end("client_stop")
		return true

	case media.EventAudio:
		s.handleClientAudio(ctx, ev)

	case media.EventImage:
		if !s.forwarding(ctx) {
			return false
		}
		msg, ok := s.adapter.BuildImageAppendMessage(ev.Payload, ev.MIMEType)
		if !ok {
			s.metrics.RecordDroppedFrame(ctx, "image_unsupported")
			return false
		}
		_ = s.sendProvider(ctx, msg)

	case media.EventText:
		s.handleClientText(ctx, ev)

	case media.EventMark:
		s.mu.Lock()
		s.popMarkLocked(ev.Metadata[media.MetaMark])
		s.mu.Unlock()

	default:
		s.logger().Debug("ignoring client frame", "raw", ev.Metadata[media.MetaRaw])
	}
	return false
}

// forwarding reports whether client media may go upstream now, counting a
// dropped frame when it may not.
func (s *Session) forwarding(ctx context.Context) bool {
	s.mu.Lock()
	state, suspended := s.st.state, s.st.suspended
	s.mu.Unlock()
	switch {
	case state != StateActive:
		s.metrics.RecordDroppedFrame(ctx, "not_ready")
		return false
	case suspended:
		s.metrics.RecordDroppedFrame(ctx, "suspended")
		return false
	}
	return true
}

func (s *Session) handleClientAudio(ctx context.Context, ev media.Event) {
	in := s.media.InputFormat()

	s.mu.Lock()
	s.st.mediaClock += in.Duration(len(ev.Payload))
	if ev.Timestamp >= 0 {
		s.st.latestTs = ev.Timestamp
	} else {
		s.st.latestTs = s.st.mediaClock.Milliseconds()
	}
	if s.st.recorder != nil {
		s.st.recorder.Append(audio.TrackUser, in, ev.Payload)
	}
	s.mu.Unlock()

	if !s.forwarding(ctx) {
		return
	}

	pcm, err := s.convert(ctx, ev.Payload, in, s.providerIn)
	if err != nil {
		s.logger().Warn("dropping client audio", "err", err)
		s.metrics.RecordDroppedFrame(ctx, "conversion")
		return
	}
	msg, err := s.adapter.BuildAudioAppendMessage(pcm)
	if err != nil {
		s.logger().Warn("dropping client audio", "err", err)
		return
	}
	_ = s.sendProvider(ctx, msg)
}

func (s *Session) handleClientText(ctx context.Context, ev media.Event) {
	text := string(ev.Payload)
	if digit, ok := ev.Metadata[media.MetaDTMF]; ok {
		s.logger().Info("dtmf received", "digit", digit)
		if !s.cfg.ForwardDTMF {
			return
		}
		text = "The caller pressed " + digit + "."
	}
	if text == "" {
		return
	}
	s.userActivity()
	if !s.forwarding(ctx) {
		return
	}

	s.mu.Lock()
	s.appendEntryLocked(realtime.SpeakerUser, text)
	s.mu.Unlock()

	if err := s.sendText(ctx, text); err != nil {
		s.logger().Warn("client text not forwarded", "err", err)
	}
}

// popMarkLocked removes name from the pending mark queue, or the oldest mark
// when name is unknown. Must be called with s.mu held.
func (s *Session) popMarkLocked(name string) {
	for i, m := range s.st.pendingMarks {
		if m == name {
			s.st.pendingMarks = append(s.st.pendingMarks[:i], s.st.pendingMarks[i+1:]...)
			return
		}
	}
	if len(s.st.pendingMarks) > 0 {
		s.st.pendingMarks = s.st.pendingMarks[1:]
	}
}
