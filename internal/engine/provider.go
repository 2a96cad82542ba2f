package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/provider/realtime"
)

// providerLoop consumes the connected transport until it closes or ctx ends.
func (s *Session) providerLoop(ctx context.Context) error {
	tr := s.currentTransport()
	if tr == nil {
		return nil
	}
	msgs, states, errs := tr.Messages(), tr.StateChanges(), tr.Errors()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-msgs:
			if !ok {
				return s.providerClosed(ctx, tr, lastErr)
			}
			for _, ev := range s.adapter.ParseMessage(frame) {
				if err := s.handleProviderEvent(ctx, ev); err != nil {
					return err
				}
			}

		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			s.logger().Debug("provider socket state", "state", st.String())

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			lastErr = err
			s.logger().Warn("provider transport error", "err", err)
		}
	}
}

// providerClosed classifies the end of the provider stream.
func (s *Session) providerClosed(ctx context.Context, tr realtime.Transport, lastErr error) error {
	if ctx.Err() != nil || s.closing() {
		return nil
	}
	if tr.State() == realtime.StateAborted {
		if lastErr == nil {
			lastErr = errors.New("connection aborted")
		}
		return fmt.Errorf("%w: provider connection lost: %w", ErrTransport, lastErr)
	}
	s.logger().Info("provider closed the session")
	s.end("provider_closed")
	return nil
}

// handleProviderEvent applies one provider event. A non-nil error fails the
// session.
func (s *Session) handleProviderEvent(ctx context.Context, ev realtime.Event) error {
	s.metrics.RecordProviderEvent(ctx, string(s.cfg.Provider), ev.Kind.String())

	switch ev.Kind {
	case realtime.EventSessionInitialized:
		s.onSessionInitialized(ctx)

	case realtime.EventAudioDelta:
		s.onAudioDelta(ctx, ev)

	case realtime.EventAudioDone:

	case realtime.EventTurnCompleted:
		s.onTurnCompleted()

	case realtime.EventSpeechDetected:
		s.userActivity()
		s.bargeIn(ctx)

	case realtime.EventInputTranscriptPartial, realtime.EventOutputTranscriptPartial:
		s.onTranscript(ev, false)

	case realtime.EventInputTranscriptCompleted, realtime.EventOutputTranscriptCompleted:
		s.onTranscript(ev, true)

	case realtime.EventFunctionCall:
		s.onFunctionCall(ctx, ev)

	case realtime.EventError:
		s.metrics.RecordProviderError(ctx, string(s.cfg.Provider), ev.Critical)
		if ev.Critical {
			s.logger().Error("provider error", "message", ev.Message)
			return fmt.Errorf("%w: %s", ErrProtocol, ev.Message)
		}
		s.logger().Warn("provider warning", "message", ev.Message)
		_ = s.sendClient(s.media.BuildErrorFrame("provider_error", ev.Message, s.clientSessionID()))

	default:
		s.logger().Debug("ignoring provider frame", "raw", ev.Raw)
	}
	return nil
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (s *Session) onSessionInitialized(ctx context.Context) {
	s.mu.Lock()
	first := !s.st.readyDone
	s.st.readyDone = true
	if s.st.state == StateProviderConnecting {
		s.st.state = StateActive
	}
	s.mu.Unlock()
	if !first {
		return
	}

	s.logger().Info("session ready")
	if cb := s.cfg.Callbacks.OnSessionReady; cb != nil {
		s.safeCall("session_ready", func() error { return cb(ctx, s) })
	}
}

func (s *Session) onTurnCompleted() {
	s.mu.Lock()
	s.st.turns++
	s.st.speaking = false
	s.flushPartialLocked(realtime.SpeakerAssistant)
	// The completion of a response the caller talked over must not start
	// the silence countdown while they are still speaking.
	cut := s.st.interrupted
	s.st.interrupted = false
	arm := !cut && s.cfg.Idle.Timeout > 0 && s.st.turns > s.cfg.Idle.SkipTurns
	s.mu.Unlock()

	if arm {
		s.idle.Start(s.id, s.cfg.Idle.Timeout, s.onIdle)
	}
}

// ── Assistant audio ──────────────────────────────────────────────────────────

func (s *Session) onAudioDelta(ctx context.Context, ev realtime.Event) {
	if len(ev.Audio) == 0 {
		return
	}
	s.idle.Stop(s.id)

	s.mu.Lock()
	if !s.st.speaking || (ev.ItemID != "" && ev.ItemID != s.st.lastItemID) {
		s.st.itemStartTs = s.st.latestTs
		s.st.speaking = true
	}
	if ev.ItemID != "" {
		s.st.lastItemID = ev.ItemID
	}
	s.st.interrupted = false
	if s.st.recorder != nil {
		s.st.recorder.Append(audio.TrackAssistant, s.providerOut, ev.Audio)
	}
	s.mu.Unlock()

	s.playToClient(ctx, ev.Audio, s.providerOut)
}

// playToClient converts data to the client's output format and sends it
// followed by a mark.
func (s *Session) playToClient(ctx context.Context, data []byte, f audio.Format) error {
	out, err := s.convert(ctx, data, f, s.media.OutputFormat())
	if err != nil {
		s.logger().Warn("dropping assistant audio", "err", err)
		s.metrics.RecordDroppedFrame(ctx, "conversion")
		return err
	}

	sid := s.clientSessionID()
	if err := s.sendClient(s.media.BuildAudioDeltaFrame(base64.StdEncoding.EncodeToString(out), sid)); err != nil {
		return err
	}
	mark := s.media.BuildTurnCompletedFrame(sid)
	if mark == nil {
		return nil
	}
	if err := s.sendClient(mark); err != nil {
		return err
	}
	s.mu.Lock()
	if len(s.st.pendingMarks) >= maxPendingMarks {
		s.st.pendingMarks = s.st.pendingMarks[1:]
	}
	s.st.pendingMarks = append(s.st.pendingMarks, sid)
	s.mu.Unlock()
	return nil
}

// bargeIn stops assistant playback when the caller starts talking over it.
func (s *Session) bargeIn(ctx context.Context) {
	s.mu.Lock()
	if len(s.st.pendingMarks) == 0 && s.st.lastItemID == "" && !s.st.speaking {
		s.mu.Unlock()
		return
	}
	itemID := s.st.lastItemID
	played := max(s.st.latestTs-s.st.itemStartTs, 0)
	s.st.pendingMarks = nil
	s.st.lastItemID = ""
	s.st.speaking = false
	s.st.itemStartTs = 0
	s.st.interrupted = true
	s.st.interruptions++
	s.mu.Unlock()

	s.logger().Debug("barge-in", "item_id", itemID, "played_ms", played)
	s.metrics.RecordInterruption(ctx, string(s.cfg.Provider))
	observe.AddEvent(ctx, "interruption", attribute.String("item_id", itemID), attribute.Int64("played_ms", played))

	if itemID != "" {
		if msg, ok := s.adapter.BuildInterruptMessage(itemID, played); ok {
			_ = s.sendProvider(ctx, msg)
		}
	}
	_ = s.sendClient(s.media.BuildInterruptFrame(s.clientSessionID()))
}

// clientSessionID is the id echoed in outbound client frames.
func (s *Session) clientSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.streamID != "" {
		return s.st.streamID
	}
	return s.id
}

// ── Transcripts ──────────────────────────────────────────────────────────────

func (s *Session) onTranscript(ev realtime.Event, completed bool) {
	speaker := ev.Speaker
	if speaker == "" {
		speaker = realtime.SpeakerAssistant
		if ev.Kind == realtime.EventInputTranscriptPartial || ev.Kind == realtime.EventInputTranscriptCompleted {
			speaker = realtime.SpeakerUser
		}
	}
	if speaker == realtime.SpeakerUser {
		s.userActivity()
	}

	s.mu.Lock()
	b, ok := s.st.partial[speaker]
	if !ok {
		b = &strings.Builder{}
		s.st.partial[speaker] = b
	}
	if completed {
		// Completed events carry the full utterance and replace the deltas.
		if ev.Text != "" {
			b.Reset()
			b.WriteString(ev.Text)
		}
		s.flushPartialLocked(speaker)
	} else {
		b.WriteString(ev.Text)
	}
	s.mu.Unlock()

	eventType := speaker + ".partial"
	if completed {
		eventType = speaker + ".completed"
	}
	_ = s.sendClient(s.media.BuildTranscriptionFrame(eventType, ev.Text, s.clientSessionID()))
}

// appendEntryLocked adds a transcript entry. Must be called with s.mu held.
func (s *Session) appendEntryLocked(speaker, text string) {
	at := time.Duration(0)
	if !s.st.startedAt.IsZero() {
		at = time.Since(s.st.startedAt)
	}
	s.st.transcript = append(s.st.transcript, TranscriptEntry{
		Speaker: speaker,
		Text:    text,
		Order:   len(s.st.transcript),
		At:      at,
	})
}

// flushPartialLocked turns buffered partial text for speaker into an entry.
// Must be called with s.mu held.
func (s *Session) flushPartialLocked(speaker string) {
	b, ok := s.st.partial[speaker]
	if !ok {
		return
	}
	text := strings.TrimSpace(b.String())
	b.Reset()
	if text != "" {
		s.appendEntryLocked(speaker, text)
	}
}

// ── Function calls ───────────────────────────────────────────────────────────

func (s *Session) onFunctionCall(ctx context.Context, ev realtime.Event) {
	s.mu.Lock()
	s.st.functionCalls++
	s.mu.Unlock()

	call := FunctionCall{CallID: ev.CallID, Name: ev.Name, Arguments: ev.Arguments}
	log := s.logger().With("function", call.Name, "call_id", call.CallID)

	var output string
	status := "ok"
	cb := s.cfg.Callbacks.OnFunctionCall
	switch {
	case cb == nil:
		status = "unhandled"
		output = errorOutput("no handler for function " + call.Name)
	default:
		res, err := s.callFunction(ctx, cb, call)
		switch {
		case err != nil:
			status = "error"
			log.Warn("function call failed", "err", err)
			output = errorOutput(err.Error())
		case res == nil:
			s.metrics.RecordFunctionCall(ctx, call.Name, "no_reply")
			log.Debug("function call answered without reply")
			return
		default:
			output = res.Output
		}
	}
	s.metrics.RecordFunctionCall(ctx, call.Name, status)

	msgs, err := s.adapter.BuildFunctionResultMessage(call.CallID, call.Name, output)
	if err != nil {
		log.Error("building function result", "err", err)
		return
	}
	for _, msg := range msgs {
		if err := s.sendProvider(ctx, msg); err != nil {
			return
		}
	}
}

// callFunction runs the consumer's handler, converting a panic into an error.
func (s *Session) callFunction(ctx context.Context, cb func(context.Context, Actions, FunctionCall) (*FunctionResult, error), call FunctionCall) (res *FunctionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return cb(ctx, s, call)
}

func errorOutput(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

// ── Idle follow-ups ──────────────────────────────────────────────────────────

// userActivity disarms the idle timer and resets the follow-up budget.
func (s *Session) userActivity() {
	s.idle.Stop(s.id)
	s.mu.Lock()
	s.st.followUps = 0
	s.mu.Unlock()
}

// onIdle runs on the idle manager's goroutine when the caller stayed quiet.
func (s *Session) onIdle(string) {
	s.mu.Lock()
	ctx := s.runCtx
	active := s.st.state == StateActive
	limit := s.cfg.Idle.MaxFollowUps
	exhausted := limit > 0 && s.st.followUps >= limit
	if active && !exhausted {
		s.st.followUps++
	}
	s.mu.Unlock()
	if !active || ctx == nil || ctx.Err() != nil {
		return
	}

	if exhausted {
		if s.cfg.Idle.HangupAfterMax {
			s.logger().Info("idle follow-ups exhausted, hanging up", "follow_ups", limit)
			s.metrics.RecordIdleFollowUp(ctx, "hangup")
			s.end("idle_timeout")
		}
		return
	}

	s.metrics.RecordIdleFollowUp(ctx, "follow_up")
	if text := s.cfg.Idle.FollowUpText; text != "" {
		if err := s.sendText(ctx, text); err != nil {
			s.logger().Warn("idle follow-up not sent", "err", err)
		}
	}
	if cb := s.cfg.Callbacks.OnIdleTimeout; cb != nil {
		s.safeCall("idle_timeout", func() error { return cb(ctx, s) })
	}
}

// sendText sends a user text turn and, where the provider needs one, a
// response trigger.
func (s *Session) sendText(ctx context.Context, text string) error {
	msg, err := s.adapter.BuildTextUserMessage(text, s.id)
	if err != nil {
		return fmt.Errorf("engine: build text: %w", err)
	}
	if err := s.sendProvider(ctx, msg); err != nil {
		return err
	}
	if trigger, ok := s.adapter.BuildTriggerResponseMessage(); ok {
		return s.sendProvider(ctx, trigger)
	}
	return nil
}
