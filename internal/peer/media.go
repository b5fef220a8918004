package peer

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrAutoplayBlocked is returned by a Renderer when playback with audio is
// refused by the environment and a muted retry should be attempted.
var ErrAutoplayBlocked = errors.New("autoplay blocked")

// Renderer is where remote media ends up once the transport is connected.
// Attaching before the connected state risks a stuck zero-dimension render,
// so the machine holds tracks back until then.
type Renderer interface {
	// Render attaches and plays the track. Returning ErrAutoplayBlocked
	// triggers the muted retry path.
	Render(track *webrtc.TrackRemote) error

	// RenderMuted retries playback muted.
	RenderMuted(track *webrtc.TrackRemote) error

	// PromptUserStart is the last resort: playback needs an explicit user
	// gesture ("tap to play").
	PromptUserStart(track *webrtc.TrackRemote)
}

// attachTrack runs the playback ladder: normal, then muted, then a user
// gesture prompt.
func attachTrack(r Renderer, track *webrtc.TrackRemote) {
	if r == nil {
		return
	}
	err := r.Render(track)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrAutoplayBlocked) {
		return
	}
	if err := r.RenderMuted(track); err != nil {
		r.PromptUserStart(track)
	}
}
