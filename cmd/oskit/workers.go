package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/oskit/kernel"
	"github.com/joshuapare/oskit/kernel/thread"
)

var (
	workerThreads    int
	workerIterations int
	workerStack      uint32
)

func init() {
	cmd := newWorkersCmd()
	cmd.Flags().IntVarP(&workerThreads, "threads", "n", 4, "Number of worker threads")
	cmd.Flags().IntVar(&workerIterations, "iterations", 1000, "Increments per thread")
	cmd.Flags().Uint32Var(&workerStack, "stack", 4096, "Stack size allocated from the default heap per thread")
	rootCmd.AddCommand(cmd)
}

func newWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "Increment a shared counter from several threads under one mutex",
		Long: `The workers command creates N threads, each incrementing a shared counter
under one kernel mutex, then joins them and compares the counter with the
expected total. Thread stacks are allocated from the default heap.

Example:
  oskit workers
  oskit workers -n 16 --iterations 100000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(workerThreads, workerIterations, workerStack)
		},
	}
}

type workersResult struct {
	Threads    int
	Iterations int
	Expected   int
	Counter    int
	Elapsed    time.Duration
}

func runWorkers(threads, iterations int, stackSize uint32) error {
	if threads <= 0 || iterations < 0 {
		return fmt.Errorf("threads must be > 0 and iterations >= 0")
	}
	k, err := kernel.New(cfg)
	if err != nil {
		return err
	}
	defer k.Close()

	mu := k.NewMutex()
	counter := 0
	// a worker returns the first mutex error it hits as its exit value
	worker := func(any) any {
		for range iterations {
			if err := mu.Lock(); err != nil {
				return err
			}
			counter++
			if err := mu.Unlock(); err != nil {
				return err
			}
		}
		return nil
	}

	handles := make([]thread.Handle, 0, threads)
	for range threads {
		addr, err := k.Heaps().Alloc(stackSize)
		if err != nil {
			return fmt.Errorf("thread stack: %w", err)
		}
		defer k.Heaps().Free(addr)
		stack, err := k.Heaps().Bytes(addr)
		if err != nil {
			return err
		}
		h, err := k.Threads().Create(worker, nil, stack, k.DefaultPriority(), 0)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}

	start := time.Now()
	for _, h := range handles {
		if _, err := k.Threads().Resume(h); err != nil {
			return err
		}
	}
	var workerErrs []error
	for _, h := range handles {
		v, err := k.Threads().Join(h)
		if err != nil {
			return err
		}
		if werr, ok := v.(error); ok {
			workerErrs = append(workerErrs, fmt.Errorf("worker %v: %w", h, werr))
		}
	}
	if err := errors.Join(workerErrs...); err != nil {
		return err
	}

	res := workersResult{
		Threads:    threads,
		Iterations: iterations,
		Expected:   threads * iterations,
		Counter:    counter,
		Elapsed:    time.Since(start),
	}
	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printInfo("%d threads x %d iterations\n", res.Threads, res.Iterations)
		printInfo("  Counter:  %d (expected %d)\n", res.Counter, res.Expected)
		printInfo("  Elapsed:  %s\n", res.Elapsed)
	}
	if res.Counter != res.Expected {
		return fmt.Errorf("lost updates: counter %d, expected %d", res.Counter, res.Expected)
	}
	return nil
}
