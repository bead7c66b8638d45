package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/evdnx/trendcore/executor"
	"github.com/evdnx/trendcore/strategy"
	"github.com/evdnx/trendcore/types"
)

// csvBar is one row of the replay file.
type csvBar struct {
	Time                   time.Time
	Open, High, Low, Close float64
}

// readBars parses time,open,high,low,close[,volume] rows. The time column
// is RFC 3339 or unix seconds. A leading header row is skipped.
func readBars(r io.Reader) ([]csvBar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var out []csvBar
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) < 5 {
			return nil, fmt.Errorf("line %d: want at least 5 columns, got %d", line, len(rec))
		}
		ts, err := parseTime(rec[0])
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		var px [4]float64
		for i := range px {
			if px[i], err = strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64); err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, i+2, err)
			}
		}
		out = append(out, csvBar{Time: ts, Open: px[0], High: px[1], Low: px[2], Close: px[3]})
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

// replayer drives the engine from recorded bars the way a live feed would:
// a new bar opens, the closed one is evaluated, then the bar's path is
// ticked through and the timer pulses.
type replayer struct {
	engine *strategy.Engine
	paper  *executor.PaperExecutor
	tf     types.Timeframe
	spread float64
}

func (r *replayer) run(ctx context.Context, bars []csvBar) (int, error) {
	n := 0
	for _, b := range bars {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		r.step(ctx, b)
		n++
	}
	return n, nil
}

func (r *replayer) step(ctx context.Context, b csvBar) {
	r.paper.OpenBar(b.Time, b.Open)
	r.tick(ctx, b.Time, b.Open)
	r.engine.OnBar(ctx, b.Time)

	first, second := b.High, b.Low
	if b.Close >= b.Open {
		first, second = b.Low, b.High
	}
	step := r.tf.Duration() / 4
	for i, px := range []float64{first, second, b.Close} {
		r.tick(ctx, b.Time.Add(time.Duration(i+1)*step), px)
	}
	r.engine.OnTimer(ctx, b.Time.Add(r.tf.Duration()-time.Second))
}

func (r *replayer) tick(ctx context.Context, now time.Time, bid float64) {
	r.paper.SetQuote(now, bid, bid+r.spread)
	r.engine.OnTick(ctx, now)
}
