// Package media decodes video files into per-frame luma values and sampled
// JPEG frames.
package media

import (
	"context"
	"errors"
	"math"
)

// DefaultFPS is used when the container reports no usable frame rate.
const DefaultFPS = 25.0

var ErrNoVideoStream = errors.New("no video stream")

// VideoInfo describes the first video stream of a file.
type VideoInfo struct {
	Width           int
	Height          int
	FPS             float64
	TotalFrames     int
	DurationSeconds float64
}

// LumaFunc receives the mean luma (0-255) of each decoded frame in order.
type LumaFunc func(frame int, mean float64) error

// FrameFunc receives a JPEG-encoded sampled frame.
type FrameFunc func(frame int, jpeg []byte) error

// Decoder reads video files from local disk.
type Decoder interface {
	Inspect(ctx context.Context, path string) (*VideoInfo, error)
	// Luma visits every frame and returns the number of frames decoded.
	Luma(ctx context.Context, path string, info *VideoInfo, fn LumaFunc) (int, error)
	// Sample visits every step-th frame starting at frame 0.
	Sample(ctx context.Context, path string, info *VideoInfo, step int, fn FrameFunc) error
}

// StepFor returns the frame interval that samples once every seconds of video.
func StepFor(fps, seconds float64) int {
	if fps <= 0 {
		fps = DefaultFPS
	}
	step := int(math.Round(fps * seconds))
	if step < 1 {
		return 1
	}
	return step
}
