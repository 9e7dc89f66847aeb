package executor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kkdai/youtube/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mediaqueue/internal/processor"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTask(src types.Source) *types.Task {
	return &types.Task{
		ID:        "task-1",
		Source:    src,
		Metadata:  map[string]any{"post_id": "7"},
		Artifacts: map[string]string{},
	}
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

type fakeVideos struct {
	video  *youtube.Video
	err    error
	stream string
	itag   int
}

func (f *fakeVideos) GetVideoContext(context.Context, string) (*youtube.Video, error) {
	return f.video, f.err
}

func (f *fakeVideos) GetStreamContext(_ context.Context, _ *youtube.Video, format *youtube.Format) (io.ReadCloser, int64, error) {
	f.itag = format.ItagNo
	return io.NopCloser(strings.NewReader(f.stream)), int64(len(f.stream)), nil
}

// ============================================================================
// Downloader
// ============================================================================

func TestDownloaderHTTP(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		w.WriteHeader(code)
		if code == http.StatusOK {
			io.WriteString(w, "media-bytes")
		}
	}))
	defer srv.Close()

	d, err := NewDownloader(t.TempDir(), srv.Client())
	require.NoError(t, err)

	tests := []struct {
		name     string
		status   int
		wantKind processor.OutcomeKind
	}{
		{"ok", http.StatusOK, processor.OutcomeSuccess},
		{"server error retries", http.StatusBadGateway, processor.OutcomeRetryable},
		{"rate limited retries", http.StatusTooManyRequests, processor.OutcomeRetryable},
		{"not found is fatal", http.StatusNotFound, processor.OutcomeFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status.Store(int32(tt.status))
			out := d.Execute(context.Background(), newTask(types.Source{URL: srv.URL + "/clips/a.mp4"}))
			require.Equal(t, tt.wantKind, out.Kind, "err: %v", out.Err)
			if tt.wantKind != processor.OutcomeSuccess {
				return
			}
			p := out.Artifacts[ArtifactDownloadPath]
			assert.Equal(t, "a.mp4", filepath.Base(p))
			data, err := os.ReadFile(p)
			require.NoError(t, err)
			assert.Equal(t, "media-bytes", string(data))
		})
	}
}

func TestDownloaderUsesOriginalFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "x")
	}))
	defer srv.Close()

	d, err := NewDownloader(t.TempDir(), srv.Client())
	require.NoError(t, err)
	task := newTask(types.Source{URL: srv.URL + "/download?id=9"})
	task.Metadata["original_filename"] = "../../episode 9.mp3"

	out := d.Execute(context.Background(), task)
	require.Equal(t, processor.OutcomeSuccess, out.Kind, "err: %v", out.Err)
	assert.Equal(t, "episode 9.mp3", filepath.Base(out.Artifacts[ArtifactDownloadPath]))
}

func TestDownloaderUnreachableRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d, err := NewDownloader(t.TempDir(), nil)
	require.NoError(t, err)
	out := d.Execute(context.Background(), newTask(types.Source{URL: url + "/a.mp4"}))
	assert.Equal(t, processor.OutcomeRetryable, out.Kind)
}

func TestDownloaderLocalPath(t *testing.T) {
	d, err := NewDownloader(t.TempDir(), nil)
	require.NoError(t, err)

	p := writeTemp(t, "in.wav", "pcm")
	out := d.Execute(context.Background(), newTask(types.Source{Path: p}))
	require.Equal(t, processor.OutcomeSuccess, out.Kind)
	assert.Equal(t, p, out.Artifacts[ArtifactDownloadPath])

	out = d.Execute(context.Background(), newTask(types.Source{Path: filepath.Join(t.TempDir(), "missing.wav")}))
	assert.Equal(t, processor.OutcomeFatal, out.Kind)

	out = d.Execute(context.Background(), newTask(types.Source{Path: t.TempDir()}))
	assert.Equal(t, processor.OutcomeFatal, out.Kind)
}

func TestDownloaderRejectsUnsupportedScheme(t *testing.T) {
	d, err := NewDownloader(t.TempDir(), nil)
	require.NoError(t, err)
	out := d.Execute(context.Background(), newTask(types.Source{URL: "ftp://example.com/a.mp4"}))
	assert.Equal(t, processor.OutcomeFatal, out.Kind)
}

func TestDownloaderYouTubePicksBestAudio(t *testing.T) {
	d, err := NewDownloader(t.TempDir(), nil)
	require.NoError(t, err)
	videos := &fakeVideos{
		video: &youtube.Video{
			ID: "dQw4w9WgXcQ",
			Formats: youtube.FormatList{
				{ItagNo: 18, MimeType: "video/mp4; codecs=\"avc1\"", Bitrate: 500000},
				{ItagNo: 140, MimeType: "audio/mp4; codecs=\"mp4a.40.2\"", Bitrate: 128000},
				{ItagNo: 251, MimeType: "audio/webm; codecs=\"opus\"", Bitrate: 160000},
			},
		},
		stream: "opus-bytes",
	}
	d.videos = videos

	out := d.Execute(context.Background(), newTask(types.Source{URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ"}))
	require.Equal(t, processor.OutcomeSuccess, out.Kind, "err: %v", out.Err)
	assert.Equal(t, 251, videos.itag)

	p := out.Artifacts[ArtifactDownloadPath]
	assert.Equal(t, "dQw4w9WgXcQ.webm", filepath.Base(p))
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "opus-bytes", string(data))
}

func TestDownloaderYouTubeErrors(t *testing.T) {
	d, err := NewDownloader(t.TempDir(), nil)
	require.NoError(t, err)
	task := newTask(types.Source{URL: "https://youtu.be/dQw4w9WgXcQ"})

	d.videos = &fakeVideos{err: youtube.ErrVideoPrivate}
	assert.Equal(t, processor.OutcomeFatal, d.Execute(context.Background(), task).Kind)

	d.videos = &fakeVideos{err: errors.New("connection reset by peer")}
	assert.Equal(t, processor.OutcomeRetryable, d.Execute(context.Background(), task).Kind)

	d.videos = &fakeVideos{video: &youtube.Video{ID: "x", Formats: youtube.FormatList{{ItagNo: 18, MimeType: "video/mp4"}}}}
	assert.Equal(t, processor.OutcomeFatal, d.Execute(context.Background(), task).Kind)
}

// ============================================================================
// CommandProcessor
// ============================================================================

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandProcessor(t *testing.T) {
	requireShell(t)
	input := writeTemp(t, "in.wav", "raw")

	tests := []struct {
		name     string
		command  []string
		wantKind processor.OutcomeKind
	}{
		{"copy succeeds", []string{"sh", "-c", "cp {input} {output} && echo {task_id} >> {output}"}, processor.OutcomeSuccess},
		{"non-zero exit retries", []string{"sh", "-c", "echo boom >&2; exit 3"}, processor.OutcomeRetryable},
		{"missing binary is fatal", []string{"mediaqueue-no-such-transcoder", "{input}"}, processor.OutcomeFatal},
		{"no output is fatal", []string{"sh", "-c", "true"}, processor.OutcomeFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCommandProcessor(t.TempDir(), tt.command, "opus")
			task := newTask(types.Source{Path: input})
			task.Artifacts[ArtifactDownloadPath] = input

			out := c.Execute(context.Background(), task)
			require.Equal(t, tt.wantKind, out.Kind, "err: %v", out.Err)
			if tt.wantKind == processor.OutcomeRetryable {
				assert.Contains(t, out.Err.Error(), "exited 3: boom")
			}
			if tt.wantKind == processor.OutcomeSuccess {
				p := out.Artifacts[ArtifactOutputPath]
				assert.Equal(t, "output.opus", filepath.Base(p))
				data, err := os.ReadFile(p)
				require.NoError(t, err)
				assert.Equal(t, "rawtask-1\n", string(data))
			}
		})
	}
}

func TestCommandProcessorPassthroughAndMissingInput(t *testing.T) {
	c := NewCommandProcessor(t.TempDir(), nil, "")
	task := newTask(types.Source{Path: "/media/a.wav"})

	assert.Equal(t, processor.OutcomeFatal, c.Execute(context.Background(), task).Kind)

	task.Artifacts[ArtifactDownloadPath] = "/media/a.wav"
	out := c.Execute(context.Background(), task)
	require.Equal(t, processor.OutcomeSuccess, out.Kind)
	assert.Equal(t, "/media/a.wav", out.Artifacts[ArtifactOutputPath])
}

// ============================================================================
// Uploader
// ============================================================================

func TestUploaderHTTP(t *testing.T) {
	var gotPath, gotBody, gotTask string
	var status atomic.Int32
	status.Store(http.StatusCreated)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		body, _ := io.ReadAll(r.Body)
		gotPath, gotBody, gotTask = r.URL.Path, string(body), r.Header.Get("X-Task-ID")
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	up := NewUploader(srv.URL+"/sink/", srv.Client())
	task := newTask(types.Source{URL: "https://example.com/a"})
	task.Artifacts[ArtifactOutputPath] = writeTemp(t, "out.opus", "encoded")

	out := up.Execute(context.Background(), task)
	require.Equal(t, processor.OutcomeSuccess, out.Kind, "err: %v", out.Err)
	assert.Equal(t, "/sink/task-1/out.opus", gotPath)
	assert.Equal(t, "encoded", gotBody)
	assert.Equal(t, "task-1", gotTask)
	assert.Equal(t, srv.URL+"/sink/task-1/out.opus", out.Artifacts[ArtifactUploadURL])

	status.Store(http.StatusServiceUnavailable)
	assert.Equal(t, processor.OutcomeRetryable, up.Execute(context.Background(), task).Kind)
	status.Store(http.StatusForbidden)
	assert.Equal(t, processor.OutcomeFatal, up.Execute(context.Background(), task).Kind)
}

func TestUploaderDirectory(t *testing.T) {
	sink := t.TempDir()
	up := NewUploader(sink, nil)
	task := newTask(types.Source{URL: "https://example.com/a"})
	task.Artifacts[ArtifactOutputPath] = writeTemp(t, "out.opus", "encoded")

	out := up.Execute(context.Background(), task)
	require.Equal(t, processor.OutcomeSuccess, out.Kind, "err: %v", out.Err)
	dst := filepath.Join(sink, "task-1", "out.opus")
	assert.Equal(t, dst, out.Artifacts[ArtifactUploadURL])
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "encoded", string(data))

	task.Artifacts[ArtifactOutputPath] = filepath.Join(t.TempDir(), "gone.opus")
	assert.Equal(t, processor.OutcomeFatal, up.Execute(context.Background(), task).Kind)
}

func TestNewRequiresSink(t *testing.T) {
	_, err := New(Config{WorkDir: t.TempDir()})
	assert.Error(t, err)

	execs, err := New(Config{WorkDir: t.TempDir(), Sink: t.TempDir()})
	require.NoError(t, err)
	for _, st := range []types.Stage{types.StageDownloading, types.StageProcessing, types.StageUploading} {
		_, err := execs.For(st)
		assert.NoError(t, err, st)
	}
}
