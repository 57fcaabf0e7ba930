package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/oskit/internal/tick"
	"github.com/joshuapare/oskit/kernel"
	"github.com/joshuapare/oskit/kernel/alarm"
)

var (
	alarmPeriod time.Duration
	alarmCount  int
	alarmPolicy string
)

func init() {
	cmd := newAlarmCmd()
	cmd.Flags().DurationVar(&alarmPeriod, "period", 100*time.Millisecond, "Alarm period")
	cmd.Flags().IntVar(&alarmCount, "count", 5, "Number of firings to wait for")
	cmd.Flags().StringVar(&alarmPolicy, "policy", "", "Missed-period policy (skip, catchup); overrides the config")
	rootCmd.AddCommand(cmd)
}

func newAlarmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alarm",
		Short: "Register a periodic alarm and print the deadlines it fires at",
		Long: `The alarm command registers one periodic alarm, waits for it to fire
--count times, and prints each deadline relative to the first, with how late
the handler ran.

Example:
  oskit alarm --period 50ms --count 10
  oskit alarm --trace`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlarm(alarmPeriod, alarmCount)
		},
	}
}

type firing struct {
	Deadline tick.Tick
	Offset   time.Duration // deadline relative to the registration time
	Late     time.Duration // handler start minus deadline
}

type alarmResult struct {
	Period  time.Duration
	Policy  string
	Firings []firing
	Skipped uint64
}

func runAlarm(period time.Duration, count int) error {
	if count <= 0 {
		return fmt.Errorf("count must be > 0")
	}
	c := *cfg
	if alarmPolicy != "" {
		c.Alarm.Policy = alarmPolicy
	}
	k, err := kernel.New(&c)
	if err != nil {
		return err
	}
	defer k.Close()

	clock := k.Clock()
	ticks := clock.FromDuration(period)
	if ticks <= 0 {
		return fmt.Errorf("period %s is shorter than one tick", period)
	}

	fired := make(chan firing, count)
	start := clock.Now()
	a, err := k.Alarms().SetPeriodic(ticks, func(_ *alarm.Alarm, deadline tick.Tick) {
		f := firing{
			Deadline: deadline,
			Offset:   clock.Duration(deadline - start),
			Late:     clock.Duration(clock.Now() - deadline),
		}
		select {
		case fired <- f:
		default:
		}
	})
	if err != nil {
		return err
	}

	res := alarmResult{Period: period, Policy: c.Alarm.Policy}
	for range count {
		f := <-fired
		res.Firings = append(res.Firings, f)
		if !jsonOut {
			printInfo("fired  deadline=%-12d  +%-10s late %s\n", f.Deadline, f.Offset, f.Late)
		}
	}
	k.Alarms().Cancel(a)
	res.Skipped = a.Skipped()

	if jsonOut {
		return printJSON(res)
	}
	printInfo("%d firings, %d periods skipped\n", len(res.Firings), res.Skipped)
	return nil
}
