package transcript

import "strings"

// Stats aggregates what a session produced: how many segments and words were
// committed, how many gap markers stood in for lost replies, and the word
// count per speaker.
type Stats struct {
	Segments int
	Words    int
	Gaps     int

	// WordsBySpeaker is keyed by the final speaker label of each segment.
	WordsBySpeaker map[string]int
}

func newStats() Stats {
	return Stats{WordsBySpeaker: make(map[string]int)}
}

func (s *Stats) record(seg Segment, speaker string) {
	if seg.GapMarker {
		s.Gaps++
		return
	}
	s.Segments++
	words := len(strings.Fields(seg.Text))
	s.Words += words
	s.WordsBySpeaker[speaker] += words
}

// clone returns a deep copy so callers can read stats while writing continues.
func (s Stats) clone() Stats {
	out := s
	out.WordsBySpeaker = make(map[string]int, len(s.WordsBySpeaker))
	for k, v := range s.WordsBySpeaker {
		out.WordsBySpeaker[k] = v
	}
	return out
}
