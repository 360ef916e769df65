// Package cosched is a cooperative task scheduler for Go.
//
// Work is submitted as tasks: functions that run on a pool of processers and
// hand their processer back with Yield, Suspend or Sleep. Each processer owns
// a run queue; idle processers steal from busy ones, and a dispatcher
// goroutine moves work queued behind a processer whose current task refuses
// to give back control, growing the pool if every processer is stuck.
//
// # Quick Start
//
// Start the process-wide scheduler and submit tasks:
//
//	cosched.Default().Start(0, 0) // one processer per CPU
//	defer cosched.Shutdown(context.Background())
//
//	cosched.Go(context.Background(), func(ctx context.Context) {
//		for i := range 3 {
//			fmt.Println("tick", i)
//			cosched.Yield(ctx)
//		}
//	}, cosched.TaskOpt{})
//
// # Key Concepts
//
// Scheduler: owns the processers and the dispatcher. Create independent
// instances with NewScheduler or Create; Default returns the shared one.
//
// Processer: a run queue plus the goroutine draining it. A task runs on one
// processer at a time and is resumed in FIFO order with the other tasks on
// that processer.
//
// TaskOpt: admission hints. Affinity keeps a child task on its creator's
// processer; File/Line/Name label the task in history and logs.
//
// # Blocking
//
// Code inside a task that blocks its goroutine (a syscall, a channel receive,
// time.Sleep) keeps its processer busy. The scheduler copes by moving the
// queued work elsewhere, but tasks that wait for something should park with
// Suspend or Sleep instead:
//
//	cosched.Suspend(ctx, func(wake func()) {
//		go func() {
//			<-ready
//			wake()
//		}()
//	})
//
// For more details, see https://github.com/Swind/go-coroutine-scheduler
package cosched
