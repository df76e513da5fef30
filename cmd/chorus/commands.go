package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cmwaters/chorus/consensus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

const announceTimeout = 10 * time.Second

var predictCmd = cli.Command{
	Name:      "predict",
	Usage:     "runs a single round for one feature vector",
	ArgsUsage: "<feature> [feature...]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "trace",
			Usage: "print every peer query of the round to stderr",
		},
	},
	Action: func(c *cli.Context) (_err error) {
		features, err := parseFeatures(c.Args().Slice())
		if err != nil {
			return err
		}
		var opts []consensus.Option
		if c.Bool("trace") {
			opts = append(opts, consensus.WithTracing())
		}
		n, err := setupNode(c, true, opts...)
		if err != nil {
			return err
		}
		defer func() { _err = multierr.Append(_err, n.Close()) }()

		outcome, err := n.engine.Predict(c.Context, features)
		if outcome == nil {
			return xerrors.Errorf("running round: %w", err)
		}
		if err != nil {
			// the round was decided but the ledger is behind
			n.logger.Error().Err(err).Msg("round outcome was not persisted")
		}
		if c.Bool("trace") && outcome.Trace != nil {
			fmt.Fprint(os.Stderr, outcome.Trace.String())
		}
		if n.announcer != nil {
			ctx, cancel := context.WithTimeout(c.Context, announceTimeout)
			if aerr := n.announcer.Announce(ctx, outcome); aerr != nil {
				n.logger.Warn().Err(aerr).Msg("failed to announce outcome")
			}
			cancel()
		}
		return writeJSON(os.Stdout, outcome)
	},
}

var runCmd = cli.Command{
	Name:  "run",
	Usage: "reads one feature vector per line from stdin and runs a round for each",
	Description: "Each line is either a JSON array of numbers or an object with a \"features\" field.\n" +
		"One outcome is written to stdout per line, in order.",
	Action: func(c *cli.Context) (_err error) {
		n, err := setupNode(c, true)
		if err != nil {
			return err
		}
		defer func() { _err = multierr.Append(_err, n.Close()) }()

		g, ctx := errgroup.WithContext(c.Context)
		announceCtx, stopAnnouncing := context.WithCancel(ctx)
		defer stopAnnouncing()
		if n.announcer != nil {
			g.Go(func() error {
				return n.announcer.Run(announceCtx, n.engine)
			})
		}
		g.Go(func() error {
			// the announcer has nothing left to publish once the input is done
			defer stopAnnouncing()
			return runLines(ctx, n.engine, os.Stdin, os.Stdout, func(err error) {
				n.logger.Error().Err(err).Msg("round outcome was not persisted")
			})
		})
		return g.Wait()
	},
}

var standingCmd = cli.Command{
	Name:  "standing",
	Usage: "prints the persisted weight, balance and status of every configured peer",
	Action: func(c *cli.Context) (_err error) {
		n, err := setupNode(c, false)
		if err != nil {
			return err
		}
		defer func() { _err = multierr.Append(_err, n.Close()) }()

		snapshot, err := n.store.Load(c.Context)
		if err != nil {
			return xerrors.Errorf("loading ledger: %w", err)
		}

		type row struct {
			ID       string   `json:"id"`
			Balance  int64    `json:"balance"`
			Weight   *float64 `json:"weight,omitempty"`
			Excluded bool     `json:"excluded"`
		}
		rows := make([]row, 0, len(n.cfg.Peers))
		for _, p := range n.cfg.Peers {
			rec, ok := snapshot[p.ID]
			if !ok {
				rows = append(rows, row{ID: p.ID, Balance: n.cfg.Parameters.BaseBalance})
				continue
			}
			rows = append(rows, row{ID: p.ID, Balance: rec.Balance, Weight: rec.Weight, Excluded: rec.Excluded || rec.Balance <= 0})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
		return writeJSON(os.Stdout, rows)
	},
}

// runLines runs one round per input line until the input is exhausted or the
// context is canceled. Persistence failures are reported through onPersistErr
// and do not stop the loop.
func runLines(ctx context.Context, engine *consensus.Engine, in io.Reader, out io.Writer, onPersistErr func(error)) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		features, err := decodeFeatures([]byte(text))
		if err != nil {
			return xerrors.Errorf("line %d: %w", line, err)
		}
		if ctx.Err() != nil {
			return nil
		}
		outcome, err := engine.Predict(ctx, features)
		if outcome == nil {
			return xerrors.Errorf("line %d: %w", line, err)
		}
		if err != nil {
			onPersistErr(err)
		}
		if err := writeJSON(out, outcome); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func decodeFeatures(data []byte) ([]float64, error) {
	var features []float64
	if data[0] == '[' {
		if err := json.Unmarshal(data, &features); err != nil {
			return nil, err
		}
		return features, nil
	}
	var req struct {
		Features []float64 `json:"features"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.Features == nil {
		return nil, errors.New("no features")
	}
	return req.Features, nil
}

func parseFeatures(args []string) ([]float64, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one feature is required")
	}
	// accept both "1 2 3" and "1,2,3"
	joined := strings.Join(args, ",")
	features := make([]float64, 0, len(args))
	for _, s := range strings.Split(joined, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, xerrors.Errorf("parsing feature %q: %w", s, err)
		}
		features = append(features, f)
	}
	return features, nil
}

func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
