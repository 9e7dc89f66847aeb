package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/mediaqueue/internal/processor"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// maxStderr 錯誤訊息保留的輸出尾端長度
const maxStderr = 512

// CommandProcessor 以外部命令執行轉換階段
//
// 命令樣板中的 {input}、{output}、{task_id} 會被替換；
// 樣板為空時不做轉換，直接把下載檔案當成輸出。
type CommandProcessor struct {
	workDir   string
	command   []string
	outputExt string
}

// NewCommandProcessor 建立轉換執行者
func NewCommandProcessor(workDir string, command []string, outputExt string) *CommandProcessor {
	if outputExt != "" && !strings.HasPrefix(outputExt, ".") {
		outputExt = "." + outputExt
	}
	return &CommandProcessor{workDir: workDir, command: command, outputExt: outputExt}
}

func (c *CommandProcessor) Execute(ctx context.Context, task *types.Task) processor.Outcome {
	input := task.Artifacts[ArtifactDownloadPath]
	if input == "" {
		return processor.Fatal(errors.New("process: task has no downloaded input"))
	}
	if len(c.command) == 0 {
		return processor.Success(map[string]string{ArtifactOutputPath: input})
	}

	dir, err := taskDir(c.workDir, task.ID)
	if err != nil {
		return processor.Retryable(err)
	}
	ext := c.outputExt
	if ext == "" {
		ext = filepath.Ext(input)
	}
	output := filepath.Join(dir, "output"+ext)

	r := strings.NewReplacer("{input}", input, "{output}", output, "{task_id}", string(task.ID))
	args := make([]string, len(c.command))
	for i, a := range c.command {
		args[i] = r.Replace(a)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
			return processor.Fatal(fmt.Errorf("process: %w", err))
		case ctx.Err() != nil:
			return processor.Retryable(fmt.Errorf("process: %w", ctx.Err()))
		case errors.As(err, &exitErr):
			return processor.Retryable(fmt.Errorf("process: %s exited %d: %s",
				filepath.Base(args[0]), exitErr.ExitCode(), tail(out.String())))
		default:
			return processor.Retryable(fmt.Errorf("process: %w", err))
		}
	}

	if _, err := os.Stat(output); err != nil {
		return processor.Fatal(fmt.Errorf("process: command produced no output at %s", output))
	}
	log.Debug("Processed media", "taskID", task.ID, "output", output)
	return processor.Success(map[string]string{ArtifactOutputPath: output})
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = "..." + s[len(s)-maxStderr:]
	}
	return s
}
