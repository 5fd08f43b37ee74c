package watch

import (
	"strings"
	"time"
)

// Spinner shows event activity with a decaying dot pattern.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func (s *Spinner) OnEvent(now time.Time) {
	s.dots = 5
	s.lastEvent = now
}

// Decay drops one dot for every two seconds without events.
func (s *Spinner) Decay(now time.Time) {
	if s.dots == 0 {
		return
	}
	left := 5 - int(now.Sub(s.lastEvent)/(2*time.Second))
	if left < 0 {
		left = 0
	}
	if left < s.dots {
		s.dots = left
	}
}

func (s Spinner) Render(theme Theme) string {
	var result strings.Builder
	for i := 0; i < 5; i++ {
		if i < s.dots {
			result.WriteString(theme.TickerActive.Render("●"))
		} else {
			result.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return result.String()
}

func (s Spinner) LastEvent() time.Time {
	return s.lastEvent
}
