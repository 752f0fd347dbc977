package app

import (
	"context"
	"encoding/json"
	"io"

	"voltchain/internal/reconcile"
)

// Flush runs one reconciliation batch, or drains the backlog, and prints the
// report as JSON.
func (a *App) Flush(ctx context.Context, out io.Writer, opts FlushOptions) error {
	p, err := a.newPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.close()

	if !p.processor.Configured() {
		a.Logger.Warn().Msg("ledger not configured; nothing to flush")
	}

	var report interface{}
	if opts.Drain {
		rounds := opts.MaxRounds
		if rounds <= 0 {
			rounds = a.Config.Reconcile.DrainMaxRounds
		}
		var drained reconcile.DrainReport
		drained, err = p.processor.Drain(ctx, rounds)
		report = drained
	} else {
		var single reconcile.Report
		single, err = p.processor.Flush(ctx)
		report = single
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
