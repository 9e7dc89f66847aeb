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
	"strings"

	"github.com/ChuLiYu/mediaqueue/internal/processor"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// Uploader delivers the processed file to the sink.
//
// An http(s) sink receives PUT <sink>/<task_id>/<name>. Any other sink is a
// directory and the file is copied to <sink>/<task_id>/<name>.
type Uploader struct {
	sink string
	http *http.Client
}

// NewUploader creates an uploader for sink.
func NewUploader(sink string, client *http.Client) *Uploader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Uploader{sink: strings.TrimRight(sink, "/"), http: client}
}

func (u *Uploader) remote() bool {
	return strings.HasPrefix(u.sink, "http://") || strings.HasPrefix(u.sink, "https://")
}

func (u *Uploader) Execute(ctx context.Context, task *types.Task) processor.Outcome {
	src := task.Artifacts[ArtifactOutputPath]
	if src == "" {
		return processor.Fatal(errors.New("upload: task has no processed output"))
	}
	f, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return processor.Fatal(fmt.Errorf("upload: output %s does not exist", src))
	}
	if err != nil {
		return processor.Retryable(fmt.Errorf("upload: %w", err))
	}
	defer f.Close()

	name := filepath.Base(src)
	if u.remote() {
		return u.put(ctx, task, f, name)
	}
	return u.copy(ctx, task, f, name)
}

func (u *Uploader) put(ctx context.Context, task *types.Task, f *os.File, name string) processor.Outcome {
	target := u.sink + "/" + url.PathEscape(string(task.ID)) + "/" + url.PathEscape(name)
	info, err := f.Stat()
	if err != nil {
		return processor.Retryable(fmt.Errorf("upload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, f)
	if err != nil {
		return processor.Fatal(fmt.Errorf("upload: %w", err))
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Task-ID", string(task.ID))

	resp, err := u.http.Do(req)
	if err != nil {
		return processor.Retryable(fmt.Errorf("upload: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusOutcome("upload", resp.StatusCode)
	}
	log.Debug("Uploaded output", "taskID", task.ID, "url", target, "bytes", info.Size())
	return processor.Success(map[string]string{ArtifactUploadURL: target})
}

func (u *Uploader) copy(ctx context.Context, task *types.Task, f *os.File, name string) processor.Outcome {
	dir, err := taskDir(u.sink, task.ID)
	if err != nil {
		return processor.Retryable(fmt.Errorf("upload: %w", err))
	}
	dst := filepath.Join(dir, name)
	if _, err := writeFile(ctx, dst, f); err != nil {
		return processor.Retryable(fmt.Errorf("upload: write %s: %w", dst, err))
	}
	return processor.Success(map[string]string{ArtifactUploadURL: dst})
}
