package engine

import (
	"context"
	"fmt"
	"maps"

	"github.com/MrWong99/callrelay/pkg/audio"
)

// Metadata returns a copy of the client's start frame metadata.
func (s *Session) Metadata() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.st.metadata)
}

// SendAudio plays data to the client. It is recorded on the assistant track.
func (s *Session) SendAudio(ctx context.Context, data []byte, f audio.Format) error {
	if len(data) == 0 {
		return nil
	}
	if s.closing() {
		return fmt.Errorf("%w: session is closing", ErrTransport)
	}
	s.mu.Lock()
	if s.st.recorder != nil {
		s.st.recorder.Append(audio.TrackAssistant, f, data)
	}
	s.mu.Unlock()
	return s.playToClient(ctx, data, f)
}

// SendText sends a user text turn to the provider.
func (s *Session) SendText(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	return s.sendText(ctx, text)
}

// SuspendClientAudioToProvider withholds client audio from the provider.
func (s *Session) SuspendClientAudioToProvider() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.st.suspended {
		s.logger().Info("client audio suspended")
	}
	s.st.suspended = true
}

// ResumeClientAudioToProvider restores client audio forwarding.
func (s *Session) ResumeClientAudioToProvider() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.suspended {
		s.logger().Info("client audio resumed")
	}
	s.st.suspended = false
}

// Hangup ends the session with reason.
func (s *Session) Hangup(reason string) {
	if reason == "" {
		reason = "hangup"
	}
	s.logger().Info("hangup requested", "reason", reason)
	s.end(reason)
}
