package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kkdai/youtube/v2"

	"github.com/ChuLiYu/mediaqueue/internal/processor"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// videoSource is the part of the youtube client the downloader needs.
type videoSource interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
	GetStreamContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (io.ReadCloser, int64, error)
}

// Downloader fetches a task's source into the work directory.
//
// Local path sources are verified and passed through untouched. YouTube URLs
// download the best audio-only stream. Any other URL is fetched with GET.
type Downloader struct {
	workDir string
	http    *http.Client
	videos  videoSource
}

// NewDownloader creates a downloader writing under workDir.
func NewDownloader(workDir string, client *http.Client) (*Downloader, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{
		workDir: workDir,
		http:    client,
		videos:  &youtube.Client{HTTPClient: client},
	}, nil
}

func (d *Downloader) Execute(ctx context.Context, task *types.Task) processor.Outcome {
	if task.Source.Path != "" {
		return d.local(task.Source.Path)
	}

	u, err := url.Parse(task.Source.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return processor.Fatal(fmt.Errorf("download: unsupported source url %q", task.Source.URL))
	}

	dir, err := taskDir(d.workDir, task.ID)
	if err != nil {
		return processor.Retryable(err)
	}
	if isYouTube(u) {
		return d.fetchYouTube(ctx, task, dir)
	}
	return d.fetch(ctx, task, u, dir)
}

func (d *Downloader) local(p string) processor.Outcome {
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return processor.Fatal(fmt.Errorf("download: source file %s does not exist", p))
	}
	if err != nil {
		return processor.Retryable(fmt.Errorf("download: stat %s: %w", p, err))
	}
	if info.IsDir() {
		return processor.Fatal(fmt.Errorf("download: source %s is a directory", p))
	}
	return processor.Success(map[string]string{ArtifactDownloadPath: p})
}

func (d *Downloader) fetch(ctx context.Context, task *types.Task, u *url.URL, dir string) processor.Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return processor.Fatal(fmt.Errorf("download: %w", err))
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return processor.Retryable(fmt.Errorf("download: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return statusOutcome("download", resp.StatusCode)
	}

	dst := filepath.Join(dir, fileNameFor(task, u))
	n, err := writeFile(ctx, dst, resp.Body)
	if err != nil {
		return processor.Retryable(fmt.Errorf("download: write %s: %w", dst, err))
	}
	log.Debug("Downloaded source", "taskID", task.ID, "bytes", n, "path", dst)
	return processor.Success(map[string]string{ArtifactDownloadPath: dst})
}

func (d *Downloader) fetchYouTube(ctx context.Context, task *types.Task, dir string) processor.Outcome {
	video, err := d.videos.GetVideoContext(ctx, task.Source.URL)
	if err != nil {
		return youtubeOutcome(err)
	}
	format, err := bestAudio(video.Formats)
	if err != nil {
		return processor.Fatal(fmt.Errorf("download: %s: %w", video.ID, err))
	}

	stream, size, err := d.videos.GetStreamContext(ctx, video, format)
	if err != nil {
		return processor.Retryable(fmt.Errorf("download: open stream: %w", err))
	}
	defer stream.Close()

	name := task.MetadataString("original_filename")
	if name == "" {
		name = video.ID + audioExtension(format.MimeType)
	}
	dst := filepath.Join(dir, sanitizeFilename(filepath.Base(name)))
	n, err := writeFile(ctx, dst, stream)
	if err != nil {
		return processor.Retryable(fmt.Errorf("download: write %s: %w", dst, err))
	}
	log.Debug("Downloaded audio stream", "taskID", task.ID, "video", video.ID,
		"itag", format.ItagNo, "bytes", n, "expected", size)
	return processor.Success(map[string]string{ArtifactDownloadPath: dst})
}

func youtubeOutcome(err error) processor.Outcome {
	err = fmt.Errorf("download: %w", err)
	switch {
	case errors.Is(err, youtube.ErrVideoPrivate),
		errors.Is(err, youtube.ErrLoginRequired),
		errors.Is(err, youtube.ErrNotPlayableInEmbed),
		errors.Is(err, youtube.ErrInvalidCharactersInVideoID),
		errors.Is(err, youtube.ErrVideoIDMinLength):
		return processor.Fatal(err)
	}
	return processor.Retryable(err)
}

func isYouTube(u *url.URL) bool {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtube.com", "m.youtube.com", "music.youtube.com", "youtu.be":
		return true
	}
	return false
}

// bestAudio picks the audio-only format with the highest bitrate.
func bestAudio(formats youtube.FormatList) (*youtube.Format, error) {
	var audio []*youtube.Format
	for i := range formats {
		if strings.HasPrefix(formats[i].MimeType, "audio/") {
			audio = append(audio, &formats[i])
		}
	}
	if len(audio) == 0 {
		return nil, errors.New("no audio formats available")
	}
	sort.SliceStable(audio, func(i, j int) bool { return audio[i].Bitrate > audio[j].Bitrate })
	return audio[0], nil
}

func audioExtension(mime string) string {
	switch {
	case strings.Contains(mime, "mp4"):
		return ".m4a"
	case strings.Contains(mime, "webm"):
		return ".webm"
	}
	return ".audio"
}
