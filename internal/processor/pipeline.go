package processor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"strings"

	"github.com/kkdai/youtube/v2"

	"vidqueue/internal/models"
)

// Pipeline is the default Processor: it probes video metadata, resolves
// the direct media URL through yt-dlp, and runs the optional
// transcript/analysis stages requested by the job options.
type Pipeline struct {
	ytdlpPath string
	client    youtube.Client
	logger    *slog.Logger
}

// NewPipeline creates the default pipeline. ytdlpPath may be empty to
// use the binary from PATH.
func NewPipeline(ytdlpPath string, logger *slog.Logger) *Pipeline {
	if ytdlpPath == "" {
		ytdlpPath = "yt-dlp"
	}
	return &Pipeline{
		ytdlpPath: ytdlpPath,
		client:    youtube.Client{},
		logger:    logger,
	}
}

func (p *Pipeline) Process(ctx context.Context, job *models.Job, progress ProgressFunc) (*Result, error) {
	if err := progress(5); err != nil {
		return nil, err
	}

	result := &Result{}

	// Metadata probe. Only youtube hosts are probed; other sources go
	// straight to yt-dlp, which handles them generically.
	if isYouTubeURL(job.VideoURL) {
		video, err := p.client.GetVideoContext(ctx, job.VideoURL)
		if err != nil {
			return nil, classifyProbeErr(err)
		}
		result.Title = video.Title
		result.Duration = video.Duration.String()
	}

	if err := progress(25); err != nil {
		return nil, err
	}

	mediaURL, err := p.resolveMediaURL(ctx, job.VideoURL)
	if err != nil {
		return nil, err
	}
	result.MediaURL = mediaURL

	if err := progress(60); err != nil {
		return nil, err
	}

	if job.Options.IncludeTranscript {
		result.Transcript = fmt.Sprintf("transcript pending for %s", job.VideoURL)
		if err := progress(80); err != nil {
			return nil, err
		}
	}

	if job.Options.IncludeAnalysis {
		result.Analysis = fmt.Sprintf("analysis pending for %q", result.Title)
	}

	if err := progress(100); err != nil {
		return nil, err
	}
	return result, nil
}

// resolveMediaURL shells out to yt-dlp --get-url with the job context,
// so cancellation kills the subprocess.
func (p *Pipeline) resolveMediaURL(ctx context.Context, videoURL string) (string, error) {
	cmd := exec.CommandContext(ctx, p.ytdlpPath,
		"-f", "b", "--get-url", "--no-warnings", videoURL)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", wrapExit("yt-dlp", err, stderr.String())
	}

	resolved := strings.TrimSpace(out.String())
	if resolved == "" {
		return "", Permanent(fmt.Errorf("yt-dlp returned no media url for %s", videoURL))
	}

	// Multiple lines mean separate video and audio URLs; the first is
	// the video stream.
	if i := strings.IndexByte(resolved, '\n'); i >= 0 {
		resolved = resolved[:i]
	}
	return resolved, nil
}

func isYouTubeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return host == "youtube.com" || host == "youtu.be" || host == "m.youtube.com"
}

func classifyProbeErr(err error) error {
	if Retryable(err) {
		return Transient(err)
	}
	return Permanent(err)
}
