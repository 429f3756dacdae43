package media

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/framehunter/internal/config"
)

const jpegQuality = 85

// FFmpeg implements Decoder by running ffprobe and ffmpeg as subprocesses and
// reading raw frames from stdout.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
}

func NewFFmpeg(cfg config.MediaConfig) *FFmpeg {
	return &FFmpeg{ffmpeg: cfg.FFmpegPath, ffprobe: cfg.FFprobePath}
}

func (f *FFmpeg) Inspect(ctx context.Context, path string) (*VideoInfo, error) {
	cmd := exec.CommandContext(ctx, f.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames,duration:format=duration",
		"-of", "json",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseStreamInfo(out)
}

type streamInfoOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseStreamInfo(data []byte) (*VideoInfo, error) {
	var p streamInfoOutput
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if len(p.Streams) == 0 {
		return nil, ErrNoVideoStream
	}
	s := p.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrNoVideoStream, s.Width, s.Height)
	}

	info := &VideoInfo{Width: s.Width, Height: s.Height}

	info.FPS = parseRate(s.AvgFrameRate)
	if info.FPS <= 0 {
		info.FPS = parseRate(s.RFrameRate)
	}
	if info.FPS <= 0 {
		info.FPS = DefaultFPS
	}

	info.DurationSeconds, _ = strconv.ParseFloat(s.Duration, 64)
	if info.DurationSeconds <= 0 {
		info.DurationSeconds, _ = strconv.ParseFloat(p.Format.Duration, 64)
	}

	info.TotalFrames, _ = strconv.Atoi(s.NbFrames)
	if info.TotalFrames <= 0 && info.DurationSeconds > 0 {
		info.TotalFrames = int(math.Round(info.DurationSeconds * info.FPS))
	}
	return info, nil
}

// parseRate reads an ffprobe rational such as "30000/1001".
func parseRate(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		v, _ := strconv.ParseFloat(r, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func (f *FFmpeg) Luma(ctx context.Context, path string, info *VideoInfo, fn LumaFunc) (int, error) {
	if fn == nil {
		return 0, errors.New("nil luma callback")
	}
	size := info.Width * info.Height
	frames := 0
	err := f.stream(ctx, size, []string{
		"-v", "error",
		"-i", path,
		"-f", "rawvideo",
		"-pix_fmt", "gray",
		"-",
	}, func(buf []byte) error {
		if err := fn(frames, meanLuma(buf)); err != nil {
			return err
		}
		frames++
		return nil
	})
	return frames, err
}

func (f *FFmpeg) Sample(ctx context.Context, path string, info *VideoInfo, step int, fn FrameFunc) error {
	if fn == nil {
		return errors.New("nil frame callback")
	}
	if step < 1 {
		step = 1
	}
	size := info.Width * info.Height * 3
	i := 0
	return f.stream(ctx, size, sampleArgs(path, step), func(buf []byte) error {
		img, err := rgbToJPEG(buf, info.Width, info.Height)
		if err != nil {
			return err
		}
		if err := fn(i*step, img); err != nil {
			return err
		}
		i++
		return nil
	})
}

// sampleArgs selects every step-th frame and drops the rest instead of
// duplicating kept frames to fill the gaps.
func sampleArgs(path string, step int) []string {
	return []string{
		"-v", "error",
		"-i", path,
		"-vf", fmt.Sprintf("select=not(mod(n\\,%d))", step),
		"-fps_mode", "vfr",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	}
}

// stream runs ffmpeg and hands each fixed-size raw frame to visit. A visit
// error stops the subprocess and is returned unchanged.
func (f *FFmpeg) stream(ctx context.Context, frameSize int, args []string, visit func([]byte) error) error {
	if frameSize <= 0 {
		return fmt.Errorf("%w: zero frame size", ErrNoVideoStream)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	r := bufio.NewReaderSize(stdout, frameSize)
	buf := make([]byte, frameSize)
	var visitErr error
	for {
		_, err := io.ReadFull(r, buf)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			visitErr = fmt.Errorf("read frame: %w", err)
			break
		}
		if err := visit(buf); err != nil {
			visitErr = err
			break
		}
	}

	if visitErr != nil {
		cancel()
		_ = cmd.Wait()
		return visitErr
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func meanLuma(gray []byte) float64 {
	if len(gray) == 0 {
		return 0
	}
	var sum uint64
	for _, v := range gray {
		sum += uint64(v)
	}
	return float64(sum) / float64(len(gray))
}

func rgbToJPEG(rgb []byte, width, height int) ([]byte, error) {
	if len(rgb) != width*height*3 {
		return nil, fmt.Errorf("frame size %d does not match %dx%d", len(rgb), width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < len(rgb); i, j = i+3, j+4 {
		img.Pix[j] = rgb[i]
		img.Pix[j+1] = rgb[i+1]
		img.Pix[j+2] = rgb[i+2]
		img.Pix[j+3] = 0xff
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return out.Bytes(), nil
}
