package simulation

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/terminal-bench/csarunner/internal/artifacts"
	"github.com/terminal-bench/csarunner/internal/csa"
	"github.com/terminal-bench/csarunner/internal/dichotomy"
	"github.com/terminal-bench/csarunner/internal/history"
	"github.com/terminal-bench/csarunner/internal/notify"
	"github.com/terminal-bench/csarunner/internal/raoresult"
	"github.com/terminal-bench/csarunner/internal/service"
)

// Report is the outcome of a simulation
type Report struct {
	Response csa.Response
	// Progress holds the intermediate responses, in order
	Progress []csa.Response
	Steps    []history.StepRecord
	// CounterTrading holds the set-points of the final result of each border
	CounterTrading map[csa.Border][]raoresult.CounterTradeSetpoint
}

type progress struct {
	responses []csa.Response
}

func (p *progress) Notify(ctx context.Context, resp csa.Response) error {
	if resp.PtEsStatus == csa.StatusStillRunningSecure {
		p.responses = append(p.responses, resp)
	}
	return nil
}

// Run stages the case in an in-memory store and computes it through the
// full task pipeline.
func Run(ctx context.Context, c Case, logger *zap.Logger) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := artifacts.NewMemoryStore()
	runner := NewThresholdRunner(store, c.Limits())
	hist := history.NewMemoryStore()
	seen := &progress{}

	svc, err := service.New(service.Config{
		Dichotomy: dichotomy.Config{
			Precision:             c.Dichotomy.Precision,
			MaxIterationsByBorder: c.Dichotomy.MaxIterationsByBorder,
		},
	}, service.Dependencies{
		Store:    store,
		Runner:   runner,
		Monitor:  runner,
		History:  hist,
		Notifier: notify.Fanout{seen, notify.Logging{Logger: logger}},
		Logger:   logger,
	})
	if err != nil {
		return Report{}, err
	}

	req, err := c.Stage(ctx, store)
	if err != nil {
		return Report{}, err
	}
	resp, err := svc.Run(ctx, req)
	if err != nil {
		return Report{}, err
	}

	steps, err := hist.Steps(ctx, req.ID)
	if err != nil {
		return Report{}, err
	}
	report := Report{
		Response:       resp,
		Progress:       seen.responses,
		Steps:          steps,
		CounterTrading: make(map[csa.Border][]raoresult.CounterTradeSetpoint),
	}
	urls := map[csa.Border]string{csa.PtEs: resp.PtEsResultURL, csa.FrEs: resp.FrEsResultURL}
	for b, url := range urls {
		if url == "" {
			continue
		}
		result, err := readResult(ctx, store, url)
		if err != nil {
			return Report{}, fmt.Errorf("%s final result: %w", b, err)
		}
		report.CounterTrading[b] = result.CounterTrades
	}
	return report, nil
}

func readResult(ctx context.Context, store artifacts.Store, url string) (raoresult.Result, error) {
	path, ok := artifacts.MemoryPath(url)
	if !ok {
		return raoresult.Result{}, fmt.Errorf("unsupported result url %q", url)
	}
	data, err := store.Get(ctx, path)
	if err != nil {
		return raoresult.Result{}, err
	}
	return raoresult.Decode(data)
}

// Write prints the report as plain text tables
func (r Report) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "task\t%s\n", r.Response.ID)
	for _, b := range csa.Borders {
		status := r.Response.PtEsStatus
		if b == csa.FrEs {
			status = r.Response.FrEsStatus
		}
		fmt.Fprintf(tw, "%s\t%s\n", b, status)
	}
	if r.Response.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", r.Response.Error)
	}
	fmt.Fprintf(tw, "intermediate responses\t%d\n", len(r.Progress))

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ITERATION\tBORDER\tCT (MW)\tSECURE\tREASON")
	for _, s := range r.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%.2f\t%t\t%s\n", s.Iteration, s.Border, s.Value, s.Secure, s.Reason)
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "BORDER\tRANGE ACTION\tSETPOINT (MW)")
	for _, b := range csa.Borders {
		for _, sp := range r.CounterTrading[b] {
			fmt.Fprintf(tw, "%s\t%s\t%.2f\n", b, sp.RangeActionID, sp.Setpoint)
		}
	}
	return tw.Flush()
}
