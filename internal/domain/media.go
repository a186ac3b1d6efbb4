package domain

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

func (k TrackKind) Valid() bool { return k == TrackAudio || k == TrackVideo }

// MediaKind is what a direct call asks for. Video calls carry audio too.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (m MediaKind) Tracks() []TrackKind {
	if m == MediaVideo {
		return []TrackKind{TrackAudio, TrackVideo}
	}
	return []TrackKind{TrackAudio}
}

// Direction is seen from the participant: a send transport carries the
// participant's own media towards the server.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)
