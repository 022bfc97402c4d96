// Package media wraps the ffmpeg/ffprobe binaries for the video build
// pipeline: per-frame caption compositing and slideshow encoding.
package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const captionBandHeight = 48

// Encoder drives ffmpeg for frame processing and video assembly.
type Encoder struct {
	ffmpegBinary  string
	ffprobeBinary string
}

func NewEncoder(ffmpegBinary, ffprobeBinary string) *Encoder {
	if strings.TrimSpace(ffmpegBinary) == "" {
		ffmpegBinary = "ffmpeg"
	}
	if strings.TrimSpace(ffprobeBinary) == "" {
		ffprobeBinary = "ffprobe"
	}
	return &Encoder{ffmpegBinary: ffmpegBinary, ffprobeBinary: ffprobeBinary}
}

// captionFilter builds the frame-processing filter chain: crop odd pixel
// dimensions down to even (the encoder requires even width/height), then pad
// a caption band above the image and draw the caption into the band. The
// band is appended rather than drawn over the screenshot so the crop never
// distorts the caption.
func captionFilter(caption string) string {
	return fmt.Sprintf(
		"crop=floor(iw/2)*2:floor(ih/2)*2,"+
			"pad=iw:ih+%d:0:%d:color=black,"+
			"drawtext=text='%s':x=10:y=(%d-text_h)/2:fontsize=24:fontcolor=white",
		captionBandHeight, captionBandHeight, escapeDrawtext(caption), captionBandHeight,
	)
}

// escapeDrawtext escapes the characters the drawtext filter treats specially.
func escapeDrawtext(text string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`:`, `\:`,
		`%`, `\%`,
	)
	return replacer.Replace(text)
}

// ProcessFrame composites the caption band onto one screenshot, overwriting
// nothing: the processed frame is written to outputPath.
func (e *Encoder) ProcessFrame(ctx context.Context, inputPath, outputPath, caption string) error {
	cmd := exec.CommandContext(ctx, e.ffmpegBinary,
		"-y",
		"-i", inputPath,
		"-vf", captionFilter(caption),
		outputPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("frame processing failed: %w: %s", err, tail(string(output), 512))
	}

	return nil
}

// EncodeSlideshow assembles the ordered processed frames into a video, one
// frame every frameIntervalSecs, using yuv420p for broad playback
// compatibility. Frames must be sequentially named frame-%05d.png inside
// frameDir. Returns the raw encoder log on failure so operators can
// distinguish an encoder crash from other failure modes.
func (e *Encoder) EncodeSlideshow(ctx context.Context, frameDir, outputPath string, frameIntervalSecs float64) (encoderLog string, err error) {
	if frameIntervalSecs <= 0 {
		frameIntervalSecs = 5
	}

	framerate := fmt.Sprintf("1/%g", frameIntervalSecs)
	pattern := filepath.Join(frameDir, "frame-%05d.png")

	cmd := exec.CommandContext(ctx, e.ffmpegBinary,
		"-y",
		"-framerate", framerate,
		"-i", pattern,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outputPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("video encoding failed: %w", err)
	}

	if _, statErr := os.Stat(outputPath); statErr != nil {
		return string(output), fmt.Errorf("encoder produced no output: %w", statErr)
	}

	log.Debug().Str("output", outputPath).Int("logBytes", len(output)).Msg("Encoded slideshow")
	return "", nil
}

// ProbeVideo returns the exact duration and size of an encoded video,
// preferring the filesystem size when ffprobe omits one.
func (e *Encoder) ProbeVideo(ctx context.Context, path string) (durationSecs float64, sizeBytes int64, err error) {
	result, err := Probe(ctx, e.ffprobeBinary, path)
	if err != nil {
		return 0, 0, err
	}

	size := result.SizeBytes()
	if size == 0 {
		if info, statErr := os.Stat(path); statErr == nil {
			size = info.Size()
		}
	}

	return result.DurationSeconds(), size, nil
}

// FrameName returns the sequential filename the slideshow encoder expects
// for frame index i.
func FrameName(i int) string {
	return fmt.Sprintf("frame-%05d.png", i)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
