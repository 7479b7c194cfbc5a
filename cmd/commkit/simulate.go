package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"commkit/internal/backend"
	"commkit/internal/backend/loopback"
	"commkit/internal/comm"
	"commkit/internal/flight"
	"commkit/internal/sink"
	"commkit/internal/ui"
	"commkit/internal/watchdog"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated collective workload with fault injection",
	Long: `Simulate drives an in-process communicator group through a collective
workload, records every operation in the flight recorder, and writes the
diagnostic dump a real job would leave behind. Use --hang-at or --fail-at
to watch the watchdog catch a stuck or failed collective.`,
	Args: cobra.NoArgs,
	RunE: simulateExecution,
}

func init() {
	simulateCmd.Flags().Int("ranks", 4, "participant count")
	simulateCmd.Flags().Int("ops", 16, "operations to run")
	simulateCmd.Flags().Int("buffer", 256, "flight recorder capacity in entries")
	simulateCmd.Flags().Bool("capture-stack", false, "capture call stacks in the flight recorder")
	simulateCmd.Flags().Bool("enable-timing", true, "compute operation durations")
	simulateCmd.Flags().Duration("op-time", 2*time.Millisecond, "execution time of one operation")
	simulateCmd.Flags().Duration("op-timeout", 250*time.Millisecond, "per-operation timeout before the watchdog flags it")
	simulateCmd.Flags().Int("hang-at", -1, "operation index that never completes (-1 disables)")
	simulateCmd.Flags().Int("fail-at", -1, "operation index that injects a fatal async error (-1 disables)")
	simulateCmd.Flags().Bool("split", false, "derive a child communicator over the even ranks")
	simulateCmd.Flags().Int("segments", 0, "memory segments to register per rank")
	simulateCmd.Flags().Duration("interval", time.Second, "watchdog poll interval")
	simulateCmd.Flags().Bool("abort-on-error", false, "let the watchdog abort failed communicators")
	simulateCmd.Flags().String("dump-prefix", "", "dump file path prefix (default from configuration)")
	simulateCmd.Flags().String("ui", "auto", "user interface (auto|on|off)")
}

type simulateOptions struct {
	ranks        int
	ops          int
	buffer       int
	captureStack bool
	enableTiming bool
	opTime       time.Duration
	opTimeout    time.Duration
	hangAt       int
	failAt       int
	split        bool
	segments     int
	interval     time.Duration
	abortOnError bool
	dumpPrefix   string
	waitTimeout  time.Duration
}

type simResult struct {
	completed int
	hung      int
	failed    int
	aborted   int
	target    string
	dumpBytes int
}

func simulateExecution(cmd *cobra.Command, args []string) error {
	opts, err := readSimulateOptions(cmd)
	if err != nil {
		return err
	}
	if opts.ranks < 1 {
		return fmt.Errorf("--ranks must be at least 1, got %d", opts.ranks)
	}
	if opts.ops < 1 {
		return fmt.Errorf("--ops must be at least 1, got %d", opts.ops)
	}
	if opts.split && opts.ranks < 2 {
		return fmt.Errorf("--split needs at least 2 ranks, got %d", opts.ranks)
	}

	uiValue, err := cmd.Flags().GetString("ui")
	if err != nil {
		return err
	}
	uiModeValue, err := readTriState("ui", uiValue)
	if err != nil {
		return err
	}

	var res simResult
	if shouldUseTUI(uiModeValue) {
		res, err = runSimulateWithUI("commkit simulate", opts)
	} else {
		res, err = simulate(opts, nil)
	}
	if err != nil {
		return err
	}
	printSimulateSummary(cmd.OutOrStdout(), opts, res)
	return nil
}

// readSimulateOptions reads the flags and overlays the configuration file
// on the knobs it owns: an unchanged flag yields to commkit.toml.
func readSimulateOptions(cmd *cobra.Command) (simulateOptions, error) {
	var opts simulateOptions
	var err error
	flags := cmd.Flags()

	if opts.ranks, err = flags.GetInt("ranks"); err != nil {
		return opts, err
	}
	if opts.ops, err = flags.GetInt("ops"); err != nil {
		return opts, err
	}
	if opts.buffer, err = flags.GetInt("buffer"); err != nil {
		return opts, err
	}
	if opts.captureStack, err = flags.GetBool("capture-stack"); err != nil {
		return opts, err
	}
	if opts.enableTiming, err = flags.GetBool("enable-timing"); err != nil {
		return opts, err
	}
	if opts.opTime, err = flags.GetDuration("op-time"); err != nil {
		return opts, err
	}
	if opts.opTimeout, err = flags.GetDuration("op-timeout"); err != nil {
		return opts, err
	}
	if opts.hangAt, err = flags.GetInt("hang-at"); err != nil {
		return opts, err
	}
	if opts.failAt, err = flags.GetInt("fail-at"); err != nil {
		return opts, err
	}
	if opts.split, err = flags.GetBool("split"); err != nil {
		return opts, err
	}
	if opts.segments, err = flags.GetInt("segments"); err != nil {
		return opts, err
	}
	if opts.interval, err = flags.GetDuration("interval"); err != nil {
		return opts, err
	}
	if opts.abortOnError, err = flags.GetBool("abort-on-error"); err != nil {
		return opts, err
	}
	if opts.dumpPrefix, err = flags.GetString("dump-prefix"); err != nil {
		return opts, err
	}

	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return opts, err
	}
	if cfgPath != "" {
		slog.Info("loaded configuration", "path", cfgPath)
	}
	if !flags.Changed("buffer") && cfg.Flight.BufferSize > 0 {
		opts.buffer = cfg.Flight.BufferSize
	}
	if !flags.Changed("capture-stack") && cfg.Flight.CaptureStack {
		opts.captureStack = true
	}
	if !flags.Changed("interval") && cfg.Watchdog.IntervalMS > 0 {
		opts.interval = cfg.Watchdog.Interval()
	}
	if !flags.Changed("abort-on-error") && cfg.Watchdog.AbortOnError {
		opts.abortOnError = true
	}
	if opts.dumpPrefix == "" {
		opts.dumpPrefix = cfg.Dump.FilePrefix
	}
	opts.waitTimeout = cfg.Comm.NonblockingTimeout()
	return opts, nil
}

var collectiveNames = []string{
	"nccl:all_reduce",
	"nccl:all_gather",
	"nccl:reduce_scatter",
	"nccl:broadcast",
}

// simulate runs the workload: a nonblocking communicator per rank on one
// loopback fabric, a shared flight recorder, and a watchdog over all of it.
// Events are optional; when non-nil every rank's progress is reported on
// them. The diagnostic dump is written before teardown so it reflects the
// communicators as the workload left them.
func simulate(opts simulateOptions, events chan<- ui.Event) (simResult, error) {
	var res simResult

	fabric := loopback.New()
	uid := backend.NewUniqueID()
	recorder := flight.New(flight.Config{
		Capacity:     opts.buffer,
		CaptureStack: opts.captureStack,
		EnableTiming: opts.enableTiming,
	})
	sinks := sink.NewRegistry(opts.dumpPrefix)
	monitor := watchdog.New(recorder, sinks, watchdog.Options{
		Interval:     opts.interval,
		AbortOnError: opts.abortOnError,
	})

	handles := make([]*comm.Handle, 0, opts.ranks)
	segAddrs := make(map[*comm.Handle][]uintptr)
	commOpts := comm.Options{WaitTimeout: opts.waitTimeout}
	for ri := 0; ri < opts.ranks; ri++ {
		h, err := comm.CreateWithConfig(fabric, opts.ranks, ri, uid, ri, commOpts)
		if err != nil {
			teardown(handles, segAddrs, true)
			return res, err
		}
		handles = append(handles, h)
		monitor.Track(h)
	}
	for _, h := range handles {
		if err := h.WaitReady(); err != nil {
			teardown(handles, segAddrs, true)
			return res, err
		}
	}

	defaultGroup := flight.GroupName{Name: "0", Desc: "default_pg"}
	allRanks := make([]uint64, opts.ranks)
	for i := range allRanks {
		allRanks[i] = uint64(i)
	}
	recorder.RecordGroupRanks(defaultGroup, allRanks)
	status := flight.NewGroupStatus()

	var children []*comm.Handle
	childGroup := flight.GroupName{Name: "1", Desc: "even_ranks"}
	if opts.split {
		var evens []uint64
		for r := 0; r < opts.ranks; r += 2 {
			evens = append(evens, uint64(r))
		}
		for ci, r := range evens {
			child, err := comm.Split(handles[r], 0, ci, commOpts, evens)
			if err != nil {
				teardown(append(children, handles...), segAddrs, true)
				return res, err
			}
			children = append(children, child)
			monitor.Track(child)
		}
		recorder.RecordGroupRanks(childGroup, evens)
	}

	for _, h := range handles {
		for s := 0; s < opts.segments; s++ {
			addr := uintptr(0x100000*(h.Rank()+1) + s*0x1000)
			if err := h.RegisterSegment(addr, 1<<20); err != nil {
				teardown(append(children, handles...), segAddrs, true)
				return res, err
			}
			segAddrs[h] = append(segAddrs[h], addr)
		}
	}

	monitor.Start()

	var collSeq, p2pSeq, opID uint64
	for i := 0; i < opts.ops; i++ {
		opID++
		isP2P := i%5 == 4
		var name string
		if isP2P {
			p2pSeq++
			name = "nccl:send"
		} else {
			collSeq++
			name = collectiveNames[int(collSeq-1)%len(collectiveNames)]
		}
		dim := int64(1024 * (i%4 + 1))
		inputs, outputs := opTensors(name, dim, opts.ranks)

		start := &flight.TimeMarker{}
		end := &flight.TimeMarker{}
		op := flight.Op{
			GroupID:       0,
			Group:         defaultGroup,
			CollectiveSeq: collSeq,
			P2PSeq:        p2pSeq,
			OpID:          opID,
			ProfilingName: name,
			Inputs:        inputs,
			Outputs:       outputs,
			Start:         start,
			End:           end,
			Timeout:       opts.opTimeout,
			IsP2P:         isP2P,
		}
		if !isP2P {
			op.Status = status
		}
		id, _ := recorder.Record(op)
		if !isP2P {
			status.OnEnqueued(int64(collSeq), name, numel(inputs), numel(outputs))
		}
		emit(events, opts.ranks, name, "enqueued", res.completed)

		if i == opts.failAt {
			fabric.FailGroup(uid, backend.RemoteError)
			res.failed++
			emit(events, opts.ranks, name, "failed", res.completed)
			break
		}

		start.Complete()
		if !isP2P {
			status.OnStarted(int64(collSeq), name)
		}
		recorder.UpdateState(id)
		emit(events, opts.ranks, name, "running", res.completed)

		if i == opts.hangAt {
			res.hung++
			emit(events, opts.ranks, name, "hung", res.completed)
			break
		}

		time.Sleep(opts.opTime)
		end.Complete()
		recorder.RetireID(id, true)
		if !isP2P {
			status.OnCompleted(int64(collSeq), name, numel(inputs), numel(outputs))
		}
		res.completed++
		emit(events, opts.ranks, name, "completed", res.completed)
	}

	broken := res.hung > 0 || res.failed > 0
	if broken {
		// Give the watchdog time to notice and write its automatic dump.
		time.Sleep(opts.opTimeout + 2*opts.interval)
	} else if opts.split && len(children) > 0 {
		runChildCollective(recorder, childGroup, opts.opTime, opts.opTimeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), watchdog.DefaultDumpTimeout)
	defer cancel()
	payload, err := monitor.DumpNow(ctx)
	if err != nil {
		monitor.Stop()
		teardown(append(children, handles...), segAddrs, true)
		return res, err
	}
	res.dumpBytes = len(payload)
	res.target = sinks.Get(0).Target()

	monitor.Stop()
	for _, h := range append(children, handles...) {
		if h.IsAborted() {
			res.aborted++
		}
		monitor.Untrack(h)
	}
	teardown(append(children, handles...), segAddrs, broken)
	return res, nil
}

// runChildCollective records one collective on the split group so the dump
// carries status for both groups.
func runChildCollective(recorder *flight.Recorder, group flight.GroupName, opTime, timeout time.Duration) {
	inputs := []flight.TensorDesc{{Dims: []int64{512}, DType: "float32"}}
	start := &flight.TimeMarker{}
	end := &flight.TimeMarker{}
	childStatus := flight.NewGroupStatus()
	id, _ := recorder.Record(flight.Op{
		GroupID:       1,
		Group:         group,
		CollectiveSeq: 1,
		OpID:          1,
		ProfilingName: "nccl:all_reduce",
		Inputs:        inputs,
		Outputs:       inputs,
		Start:         start,
		End:           end,
		Timeout:       timeout,
		Status:        childStatus,
	})
	childStatus.OnEnqueued(1, "nccl:all_reduce", numel(inputs), numel(inputs))
	start.Complete()
	childStatus.OnStarted(1, "nccl:all_reduce")
	time.Sleep(opTime)
	end.Complete()
	recorder.RetireID(id, true)
	childStatus.OnCompleted(1, "nccl:all_reduce", numel(inputs), numel(inputs))
}

// teardown releases every handle, children first. A broken run aborts; a
// clean one deregisters segments, flushes, and destroys.
func teardown(handles []*comm.Handle, segAddrs map[*comm.Handle][]uintptr, broken bool) {
	for _, h := range handles {
		if broken {
			if err := h.Abort("simulation torn down"); err != nil {
				slog.Error("failed to abort communicator", "comm", h.String(), "error", err)
			}
			continue
		}
		for _, addr := range segAddrs[h] {
			if err := h.DeregisterSegment(addr); err != nil {
				slog.Warn("failed to deregister segment", "comm", h.String(), "error", err)
			}
		}
		if err := h.Finalize(); err != nil {
			slog.Warn("failed to finalize communicator", "comm", h.String(), "error", err)
		}
		if err := h.Destroy(); err != nil {
			slog.Warn("failed to destroy communicator", "comm", h.String(), "error", err)
		}
	}
}

// opTensors shapes the tensor arguments the way the named collective moves
// data: gathers grow the output, scatters shrink it, sends have no output.
func opTensors(name string, dim int64, ranks int) ([]flight.TensorDesc, []flight.TensorDesc) {
	single := []flight.TensorDesc{{Dims: []int64{dim}, DType: "float32"}}
	grown := []flight.TensorDesc{{Dims: []int64{dim * int64(ranks)}, DType: "float32"}}
	switch name {
	case "nccl:all_gather":
		return single, grown
	case "nccl:reduce_scatter":
		return grown, single
	case "nccl:send":
		return single, nil
	default:
		return single, single
	}
}

func numel(descs []flight.TensorDesc) int64 {
	var n int64
	for _, d := range descs {
		n += d.Numel()
	}
	return n
}

func emit(events chan<- ui.Event, ranks int, op, status string, completed int) {
	if events == nil {
		return
	}
	for r := 0; r < ranks; r++ {
		events <- ui.Event{Rank: r, Op: op, Status: status, Completed: completed}
	}
}

type simulateOutcome struct {
	result simResult
	err    error
}

func runSimulateWithUI(title string, opts simulateOptions) (simResult, error) {
	events := make(chan ui.Event, 256)
	outcomeCh := make(chan simulateOutcome, 1)

	go func() {
		res, err := simulate(opts, events)
		outcomeCh <- simulateOutcome{result: res, err: err}
		close(events)
	}()

	model := ui.NewWatchModel(title, opts.ranks, opts.ops, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.result, uiErr
	}
	return outcome.result, outcome.err
}

func printSimulateSummary(out io.Writer, opts simulateOptions, res simResult) {
	fmt.Fprintf(out, "simulated %d ranks, %d operations\n", opts.ranks, opts.ops)
	fmt.Fprintf(out, "completed: %s", color.GreenString("%d", res.completed))
	if res.hung > 0 {
		fmt.Fprintf(out, "  hung: %s", color.RedString("%d", res.hung))
	}
	if res.failed > 0 {
		fmt.Fprintf(out, "  failed: %s", color.RedString("%d", res.failed))
	}
	if res.aborted > 0 {
		fmt.Fprintf(out, "  aborted communicators: %s", color.YellowString("%d", res.aborted))
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "dump: %s (%d bytes)\n", res.target, res.dumpBytes)
}
