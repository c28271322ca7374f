package agent

import (
	"log/slog"
	"time"
)

// checkInterruption measures user speech that overlaps the agent's
// response and pauses the response once it qualifies under the profile.
func (s *Session) checkInterruption() {
	if s.State() != StateSpeaking || s.speaking == nil {
		s.overlapStart = time.Time{}
		return
	}

	now := s.cfg.Now()
	if !s.call.Energy().Speaking {
		s.overlapStart = time.Time{}
	} else if s.overlapStart.IsZero() {
		s.overlapStart = now
	}

	var speech time.Duration
	if !s.overlapStart.IsZero() {
		speech = now.Sub(s.overlapStart)
	}
	words := s.call.TurnWordCount()
	if speech == 0 && words == 0 {
		return
	}
	if !s.profile.QualifiesAsInterruption(speech, words) {
		return
	}
	s.interrupt(now, speech, words)
}

func (s *Session) interrupt(now time.Time, speech time.Duration, words int) {
	if !s.speaking.pause(now) {
		return
	}
	s.setState(StatePaused)
	s.interruptions.Add(1)
	s.logger.Info("User interrupted agent",
		slog.Duration("speech", speech),
		slog.Int("words", words))

	timeout := s.profile.FalseInterruptionTimeout()
	if timeout <= 0 {
		s.confirmInterruption()
		return
	}
	s.stopFalseTimer()
	s.falseTimer = time.NewTimer(timeout)
	s.falseC = s.falseTimer.C
}

// onFalseInterruptionTimeout settles a paused response. If the user has
// gone quiet without producing any words the pause was noise and the
// response resumes; otherwise the interruption stands.
func (s *Session) onFalseInterruptionTimeout() {
	s.falseTimer, s.falseC = nil, nil
	if s.State() != StatePaused || s.speaking == nil {
		return
	}
	if s.call.TurnWordCount() == 0 && !s.call.Energy().Speaking {
		s.resumeFalseInterruption()
		return
	}
	s.confirmInterruption()
}

func (s *Session) resumeFalseInterruption() {
	s.stopFalseTimer()
	if s.speaking == nil {
		return
	}
	held, ok := s.speaking.resume(s.cfg.Now())
	if !ok {
		return
	}
	s.falseInterruptions.Add(1)
	s.overlapStart = time.Time{}
	s.setState(StateSpeaking)
	s.logger.Info("False interruption, resuming response", slog.Duration("held", held))
}

// confirmInterruption abandons the paused response. Its playback result
// returns the session to listening.
func (s *Session) confirmInterruption() {
	s.stopFalseTimer()
	if s.speaking == nil {
		return
	}
	s.logger.Info("Interruption confirmed", slog.String("text", s.call.TurnText()))
	s.speaking.stop()
}

func (s *Session) stopFalseTimer() {
	if s.falseTimer != nil {
		s.falseTimer.Stop()
	}
	s.falseTimer, s.falseC = nil, nil
}
