package reconcile

import (
	"context"
)

// DrainReport aggregates consecutive flush rounds.
type DrainReport struct {
	Rounds    int    `json:"rounds"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
	Skipped   int    `json:"skipped"`
	Requeued  int64  `json:"requeued"`
	Message   string `json:"message"`
}

// Drain repeats Flush until a round selects less than a full batch, makes no
// progress, or maxRounds is reached.
func (p *Processor) Drain(ctx context.Context, maxRounds int) (DrainReport, error) {
	if maxRounds <= 0 {
		maxRounds = 1
	}

	var out DrainReport
	for out.Rounds < maxRounds {
		if err := ctx.Err(); err != nil {
			out.Message = "drain cancelled"
			return out, nil
		}

		round, err := p.flush(ctx, "drain")
		if err != nil {
			return out, err
		}
		out.Rounds++
		out.Processed += round.Processed
		out.Failed += round.Failed
		out.Total += round.Total
		out.Skipped += round.Skipped
		out.Requeued += round.Requeued
		out.Message = round.Message

		if !round.LedgerEnabled || round.Total < p.opts.BatchSize || round.Skipped > 0 {
			return out, nil
		}
		if round.Processed == 0 && round.Failed == 0 {
			return out, nil
		}
	}
	p.logger.Warn().Int("rounds", out.Rounds).Msg("drain stopped at round limit")
	out.Message = "drain stopped at round limit"
	return out, nil
}
