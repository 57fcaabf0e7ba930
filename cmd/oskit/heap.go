package main

import (
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/oskit/kernel"
	"github.com/joshuapare/oskit/kernel/heap"
)

var (
	heapSeed    int64
	heapOps     int
	heapMaxSize uint32
)

// scenarioSize is the heap the first-fit scenario runs in.
const scenarioSize = 64 << 10

func init() {
	cmd := newHeapCmd()
	cmd.Flags().Int64Var(&heapSeed, "seed", 1, "Seed for the random workload")
	cmd.Flags().IntVar(&heapOps, "ops", 10000, "Number of random alloc/free operations")
	cmd.Flags().Uint32Var(&heapMaxSize, "max-size", 4096, "Largest random allocation in bytes")
	rootCmd.AddCommand(cmd)
}

func newHeapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heap",
		Short: "Run the first-fit scenario and a random workload, then check the heaps",
		Long: `The heap command carves two heaps from the arena. In a 64 KiB heap it
allocates A, B and C (1, 2 and 1 KiB), frees B and allocates D (2 KiB),
which first-fit must place in B's hole. The rest of the arena runs a seeded
random alloc/free workload. Both heaps are then walked and checked.

Example:
  oskit heap
  oskit heap --seed 42 --ops 50000 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHeap()
		},
	}
}

type scenarioResult struct {
	A, B, C, D string
	Reused     bool
	Report     *heap.Report
}

type workloadResult struct {
	Seed     int64
	Ops      int
	Failures int
	Live     int
	Stats    heap.Stats
	Report   *heap.Report
}

type heapResult struct {
	Scenario scenarioResult
	Workload workloadResult
}

func runHeap() error {
	c := *cfg
	c.Heap.DefaultHeap = false
	k, err := kernel.New(&c)
	if err != nil {
		return err
	}
	defer k.Close()

	var res heapResult
	if res.Scenario, err = runScenario(k); err != nil {
		return err
	}
	if res.Workload, err = runWorkload(k, heapSeed, heapOps, heapMaxSize); err != nil {
		return err
	}

	if jsonOut {
		return printJSON(res)
	}
	if !quiet {
		printHeapResult(os.Stdout, &res)
	}
	return nil
}

func runScenario(k *kernel.Kernel) (scenarioResult, error) {
	var res scenarioResult
	heaps := k.Heaps()
	base := k.Arena().Base()

	id, err := heaps.CreateHeap(base, base+scenarioSize)
	if err != nil {
		return res, err
	}
	defer heaps.DestroyHeap(id)

	alloc := func(size uint32) (heap.Addr, error) {
		return heaps.AllocFrom(id, size)
	}
	a, err := alloc(1 << 10)
	if err != nil {
		return res, err
	}
	b, err := alloc(2 << 10)
	if err != nil {
		return res, err
	}
	c, err := alloc(1 << 10)
	if err != nil {
		return res, err
	}
	if err := heaps.FreeTo(id, b); err != nil {
		return res, err
	}
	d, err := alloc(2 << 10)
	if err != nil {
		return res, err
	}

	res.A, res.B, res.C, res.D = hexAddr(a), hexAddr(b), hexAddr(c), hexAddr(d)
	res.Reused = d == b
	res.Report, err = heaps.Check(id)
	return res, err
}

func runWorkload(k *kernel.Kernel, seed int64, ops int, maxSize uint32) (workloadResult, error) {
	res := workloadResult{Seed: seed, Ops: ops}
	heaps := k.Heaps()

	id, err := heaps.CreateHeap(k.Arena().Base()+scenarioSize, k.Arena().End())
	if err != nil {
		return res, err
	}
	if _, err := heaps.SetCurrent(id); err != nil {
		return res, err
	}

	rng := rand.New(rand.NewSource(seed))
	var live []heap.Addr
	for range ops {
		if len(live) > 0 && rng.Intn(10) < 4 {
			i := rng.Intn(len(live))
			if err := heaps.Free(live[i]); err != nil {
				return res, err
			}
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}
		p, err := heaps.Alloc(1 + uint32(rng.Int63n(int64(maxSize))))
		if err != nil {
			res.Failures++
			continue
		}
		live = append(live, p)
	}

	res.Live = len(live)
	res.Stats = heaps.Stats()
	res.Report, err = heaps.Check(id)
	return res, err
}

func hexAddr(a heap.Addr) string {
	return fmt.Sprintf("0x%08X", uint32(a))
}

func printHeapResult(w io.Writer, res *heapResult) {
	p := message.NewPrinter(language.English)

	s := res.Scenario
	p.Fprintf(w, "First-fit scenario (%d KiB heap)\n", scenarioSize>>10)
	p.Fprintf(w, "  A=%s B=%s C=%s\n", s.A, s.B, s.C)
	p.Fprintf(w, "  free B, then D=%s (reused B's hole: %v)\n", s.D, s.Reused)
	printReport(p, w, s.Report)

	wl := res.Workload
	p.Fprintf(w, "\nRandom workload (seed %d)\n", wl.Seed)
	p.Fprintf(w, "  Operations:       %d\n", wl.Ops)
	p.Fprintf(w, "  Failed allocs:    %d\n", wl.Failures)
	p.Fprintf(w, "  Live blocks:      %d\n", wl.Live)
	p.Fprintf(w, "  Splits:           %d\n", wl.Stats.SplitCount)
	p.Fprintf(w, "  Coalesced:        %d forward, %d backward\n", wl.Stats.CoalesceForward, wl.Stats.CoalesceBackward)
	printReport(p, w, wl.Report)
}

func printReport(p *message.Printer, w io.Writer, r *heap.Report) {
	p.Fprintf(w, "  Heap %d: %d blocks (%d used, %d free)\n", r.Heap, r.Blocks, r.UsedBlocks, r.FreeBlocks)
	p.Fprintf(w, "    Total:     %d bytes\n", r.TotalBytes)
	p.Fprintf(w, "    Used:      %d bytes (%d requested)\n", r.UsedBytes, r.RequestedBytes)
	p.Fprintf(w, "    Free:      %d bytes (largest %d)\n", r.FreeBytes, r.LargestFree)
	p.Fprintf(w, "    Overhead:  %d bytes\n", r.OverheadBytes)
	if r.OK() {
		p.Fprintf(w, "    Check:     OK\n")
		return
	}
	for _, problem := range r.Problems {
		p.Fprintf(w, "    Problem:   %s\n", problem)
	}
}
