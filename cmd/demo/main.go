package main

// ============================================================================
// Crash recovery demo
//
//   go run ./cmd/demo start     # submit jobs, press Ctrl+C to crash mid-pipeline
//   go run ./cmd/demo recover   # reopen the same directory and finish the work
//
// start 收到 Ctrl+C 時直接 os.Exit，不呼叫 Stop：模擬程序崩潰，
// 領取中的任務停留在 downloading/processing/uploading。
// recover 啟動時由 reconciler 把這些任務推回 lane，處理器接手完成。
// ============================================================================

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/mediaqueue/internal/cluster"
	"github.com/ChuLiYu/mediaqueue/internal/controller"
	"github.com/ChuLiYu/mediaqueue/internal/executor"
	"github.com/ChuLiYu/mediaqueue/internal/processor"
	"github.com/ChuLiYu/mediaqueue/internal/resource"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

const (
	demoDir  = "data/demo"
	demoJobs = 300
)

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]
	ctx := context.Background()

	ctrl, err := controller.New(ctx, demoConfig(),
		controller.WithExecutors(slowExecutors()),
		controller.WithSampler(resource.StaticSampler{}))
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	if mode == "recover" {
		// Start 前先看一次：此時只有 WAL 重放的結果
		printStats(ctx, ctrl, "Status before recovery")
	}
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (mode: %s, storage: %s)\n", mode, ctrl.Storage().Adapter.Name())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch mode {
	case "start":
		if total(stats(ctx, ctrl)) > 0 {
			fmt.Printf("\n⚠️  Found tasks from a previous run; use 'recover' or remove %s\n", demoDir)
			break
		}
		for i := 1; i <= demoJobs; i++ {
			d := cluster.TaskDescriptor{
				Source:   types.Source{URL: fmt.Sprintf("https://cdn.example.com/demo/%03d.mp4", i)},
				Priority: priorityFor(i),
				Metadata: map[string]any{"post_id": fmt.Sprintf("demo-%03d", i)},
			}
			if _, err := ctrl.SubmitLocal(ctx, d); err != nil {
				log.Fatalf("Failed to submit job %d: %v", i, err)
			}
		}
		fmt.Printf("✓ Submitted %d jobs\n", demoJobs)
		fmt.Printf("💡 Press Ctrl+C while tasks are in flight to simulate a crash\n\n")

		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-sigChan:
				printStats(ctx, ctrl, "Crashing with")
				fmt.Println("\n💥 Exiting without shutdown. Run 'go run ./cmd/demo recover' next.")
				os.Exit(1)
			case <-ticker.C:
				st := stats(ctx, ctrl)
				fmt.Printf("📊 pending=%d in-flight=%d completed=%d failed=%d\n",
					st[types.StagePending], inFlight(st), st[types.StageCompleted], st[types.StageFailed])
				if st[types.StageCompleted]+st[types.StageFailed] == demoJobs {
					fmt.Printf("\n⚠️  All jobs finished before Ctrl+C; remove %s and try again\n", demoDir)
					shutdown(ctrl)
					return
				}
			}
		}

	case "recover":
		deadline := time.After(30 * time.Second)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
	wait:
		for {
			select {
			case <-sigChan:
				break wait
			case <-deadline:
				break wait
			case <-ticker.C:
				st := stats(ctx, ctrl)
				if inFlight(st)+st[types.StagePending] == 0 {
					break wait
				}
			}
		}
		printStats(ctx, ctrl, "Final status")
		if st := stats(ctx, ctrl); st[types.StageCompleted]+st[types.StageFailed] == total(st) {
			fmt.Printf("\n✓ Every task reached a terminal stage after the crash\n")
		}
	}

	shutdown(ctrl)
}

func demoConfig() controller.Config {
	return controller.Config{
		Role:   controller.RoleStandalone,
		NodeID: "demo",
		Storage: controller.StorageConfig{
			Backend:  controller.BackendLocal,
			LocalDir: demoDir,
		},
		Processor: processor.Config{
			Slots:        8,
			PollInterval: 20 * time.Millisecond,
			StageTimeout: 2 * time.Second,
		},
		// 崩潰遺留的任務在 3 秒後被視為孤兒
		StaleAfter:        3 * time.Second,
		ReconcileInterval: time.Second,
		Executor: executor.Config{
			WorkDir: filepath.Join(demoDir, "work"),
			Sink:    filepath.Join(demoDir, "out"),
		},
	}
}

// slowExecutors 每個階段睡 20~80ms，讓 Ctrl+C 有機會落在管線中途
func slowExecutors() processor.Executors {
	sleep := processor.ExecutorFunc(func(ctx context.Context, task *types.Task) processor.Outcome {
		select {
		case <-time.After(time.Duration(20+rand.IntN(60)) * time.Millisecond):
			return processor.Success(nil)
		case <-ctx.Done():
			return processor.Retryable(ctx.Err())
		}
	})
	return processor.Executors{Download: sleep, Process: sleep, Upload: sleep}
}

func priorityFor(i int) types.Priority {
	switch {
	case i%50 == 0:
		return types.PriorityUrgent
	case i%10 == 0:
		return types.PriorityHigh
	}
	return types.PriorityNormal
}

func stats(ctx context.Context, ctrl *controller.Controller) map[types.Stage]int {
	st, err := ctrl.Store().Stats(ctx)
	if err != nil {
		log.Printf("stats: %v", err)
		return map[types.Stage]int{}
	}
	return st
}

func inFlight(st map[types.Stage]int) int {
	return st[types.StageDownloading] + st[types.StageProcessing] + st[types.StageUploading]
}

func total(st map[types.Stage]int) int {
	n := 0
	for _, v := range st {
		n += v
	}
	return n
}

func printStats(ctx context.Context, ctrl *controller.Controller, title string) {
	st := stats(ctx, ctrl)
	fmt.Printf("\n📊 %s:\n", title)
	for _, stage := range types.AllStages {
		fmt.Printf("  %-12s %d\n", stage, st[stage])
	}
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  %-12s %d\n", "total", total(st))
}

func shutdown(ctrl *controller.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.Stop(ctx); err != nil {
		log.Printf("stop: %v", err)
	}
	fmt.Println("✓ Controller stopped")
}
