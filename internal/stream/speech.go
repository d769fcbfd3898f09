package stream

import (
	"context"
	"strings"
)

// Partial speech fires on the first sentence or line boundary whose cut
// point, counted in characters, falls strictly inside (speakMinCut, speakMaxCut).
const (
	speakMinCut = 100
	speakMaxCut = 400
)

type speech struct {
	enabled bool
	speaker Speaker
	spoken  bool
}

func (s *speech) partial(ctx context.Context, text string) {
	if !s.enabled || s.spoken {
		return
	}
	runes := []rune(text)
	cut := boundaryAfter(runes, speakMinCut)
	if cut <= speakMinCut || cut >= speakMaxCut {
		return
	}
	s.spoken = true
	s.speaker.Speak(ctx, strings.TrimSpace(string(runes[:cut])))
}

func (s *speech) final(ctx context.Context, text string) {
	if !s.enabled || s.spoken || strings.TrimSpace(text) == "" {
		return
	}
	s.spoken = true
	s.speaker.Speak(ctx, strings.TrimSpace(text))
}

// boundaryAfter returns the rune index just past the first line break or
// sentence end located at or after position from, or -1.
func boundaryAfter(text []rune, from int) int {
	for i := from; i < len(text); i++ {
		switch text[i] {
		case '\n':
			return i + 1
		case '.', '!', '?':
			if i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\n') {
				return i + 1
			}
		}
	}
	return -1
}
