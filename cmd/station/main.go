package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/app"
	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/logging"
	"rollcall/internal/model"
	"rollcall/internal/scanport"
)

const help = `scan or type a code and press Enter. Commands:
  :manual <code>    record a typed code as manual entry
  :present          list present students
  :absent           list absent students
  :summary          show counts
  :unmark <record>  remove an attendance record
  :quit             close the station`

// station is a terminal scan desk: a USB scanner acting as a keyboard types
// into stdin and every completed code is recorded against one session.
func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.StationAccount == "" || cfg.StationSessionID == "" {
		logger.Fatal("STATION_ACCOUNT and STATION_SESSION_ID are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer deps.Close()

	out := &console{w: os.Stdout}
	opts := deps.TrackerOptions(cfg, logger)
	opts.OnCorrection = out.correction
	tracker := attendance.NewTracker(deps.Backend, opts)
	if err := tracker.Start(ctx, cfg.StationAccount, cfg.StationSessionID); err != nil {
		logger.Fatal("open session failed", zap.String("session_id", cfg.StationSessionID), zap.Error(err))
	}
	defer tracker.Stop()

	port := scanport.New(func(code string) {
		submitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		out.result(tracker.SubmitCode(submitCtx, code, model.MethodBarcode))
	}, app.ScanOptions(cfg))
	defer port.Close()

	snap := tracker.Snapshot()
	out.printf("%s (%s) - %d present, %d absent\n%s\n",
		snap.Session.Name, snap.Session.Status, len(snap.Present), len(snap.Absent), help)

	lines := make(chan string)
	go readLines(os.Stdin, lines, port, cfg.ScanIdle)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !command(ctx, tracker, out, line) {
				return
			}
		}
	}
}

// readLines feeds scanner input into the port and passes ":" commands on.
// A trailing code without newline is left for the idle window to complete.
func readLines(r io.Reader, lines chan<- string, port *scanport.Port, idle time.Duration) {
	defer close(lines)
	in := bufio.NewReader(r)
	for {
		line, err := in.ReadString('\n')
		text := strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(text, ":"):
			lines <- text
		case err == nil:
			port.HandleAll(append(scanport.Keys(text), scanport.KeyEvent{Key: scanport.KeyEnter}))
		default:
			port.HandleAll(scanport.Keys(text))
		}
		if err != nil {
			if text != "" {
				time.Sleep(2 * idle)
			}
			return
		}
	}
}

// command runs one ":" command and reports whether to keep going.
func command(ctx context.Context, t *attendance.Tracker, out *console, line string) bool {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "quit", "q":
		return false
	case "manual", "m":
		out.result(t.SubmitCode(ctx, arg, model.MethodManual))
	case "present", "p":
		for _, e := range t.Present() {
			out.printf("  %s  %-12s %-24s %s\n", e.Timestamp.Local().Format("15:04:05"), e.StudentUSN, e.Name, e.ID)
		}
	case "absent", "a":
		for _, st := range t.Absent() {
			out.printf("  %-12s %s\n", st.USN, st.Name)
		}
	case "summary", "s":
		snap := t.Snapshot()
		sum := attendance.Summarize(snap.Session, snap.Present, t.Roster())
		out.printf("present %d, absent %d, total %d (%d%%)\n", sum.Present, sum.Absent, sum.Total, sum.Percentage)
	case "unmark", "u":
		err := t.Unmark(ctx, arg)
		switch {
		case errors.Is(err, attendance.ErrRecordNotFound):
			out.printf("no record %q\n", arg)
		case err != nil:
			out.printf("unmark failed: %v\n", err)
		default:
			out.printf("removed %s\n", arg)
		}
	default:
		out.printf("%s\n", help)
	}
	return true
}

type console struct {
	w io.Writer
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.w, format, args...)
}

func (c *console) result(res attendance.Result) {
	mark := map[attendance.Outcome]string{
		attendance.OutcomeMarked:    "OK ",
		attendance.OutcomeDuplicate: "DUP",
		attendance.OutcomeNotFound:  "???",
		attendance.OutcomeClosed:    "END",
		attendance.OutcomeError:     "ERR",
	}[res.Status]
	c.printf("[%s] %s  %s\n", mark, res.Code, res.Message)
}

func (c *console) correction(fix attendance.Correction) {
	switch fix.Kind {
	case attendance.CorrectionNotRecorded:
		c.printf("[FIX] %s was not recorded, marked absent again\n", fix.Student)
	case attendance.CorrectionNotRemoved:
		c.printf("[FIX] %s is still recorded present\n", fix.Student)
	}
}
