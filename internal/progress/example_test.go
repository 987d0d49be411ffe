package progress_test

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/taskprogress/internal/eventloop"
	"github.com/JakeFAU/taskprogress/internal/progress"
)

// ExampleHandle reports a determinate task and prints its terminal event.
func ExampleHandle() {
	loop := eventloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	done := make(chan progress.Event, 1)
	svc := progress.NewService(loop, progress.WorkerFuncs{
		OnEvent: func(evt progress.Event) {
			if evt.Finished() {
				done <- evt
			}
		},
	}, progress.Config{InitialDelay: time.Millisecond, BatchPeriod: time.Millisecond})
	defer svc.Close()

	h := svc.Create("build")
	h.StartDeterminate(100)
	h.Progress(10)
	time.Sleep(20 * time.Millisecond)
	h.Progress(90)
	h.Finish()

	evt := <-done
	fmt.Printf("%s: %d/%d (%d%%) %s\n", evt.DisplayName, evt.Current, evt.Total, evt.Percent, evt.State)
	// Output:
	// build: 90/100 (90%) FINISHED
}

// ExampleService_CreateProgressArtifact binds a dedicated indicator to a handle.
func ExampleService_CreateProgressArtifact() {
	loop := eventloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	svc := progress.NewService(loop, nil, progress.Config{})
	defer svc.Close()

	h := svc.Create("upload")
	bar, err := svc.CreateProgressArtifact(h)
	if err != nil {
		panic(err)
	}
	_, err = svc.CreatePrimaryLabel(h)
	fmt.Println("second artifact rejected:", err != nil)

	h.StartDeterminate(8)
	h.FinishAt(6)
	if err := loop.Invoke(ctx, func() {}); err != nil {
		panic(err)
	}
	fmt.Println(bar.Text())
	// Output:
	// second artifact rejected: true
	// 75%
}
