package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/meshcomm/internal/transport/local"
	"github.com/meshcomm/internal/transport/wsnet"
	"github.com/meshcomm/pkg/cell"
	"github.com/meshcomm/pkg/comm"
	"github.com/meshcomm/pkg/compression"
	"github.com/meshcomm/pkg/config"
	"github.com/meshcomm/pkg/telemetry"
	"github.com/meshcomm/pkg/utils"
	"github.com/meshcomm/pkg/view"
)

var (
	benchRanks        int
	benchCells        int
	benchRows         int
	benchIterations   int
	benchMaxRecvBytes uint32
	benchUseRma       bool
	benchUseS2S       bool
	benchRankOrder    bool
)

// benchCmd runs a ring ghost-cell exchange on the in-process transport, or as
// one rank of a WebSocket mesh when transport.type is ws, and reports
// per-phase timings.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run the neighbor-exchange benchmark",
	Long: `Builds a Token in which every rank requests a halo of cells from its
ring neighbors, then drives repeated Get/Put exchanges through it and
reports per-phase timings.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntVar(&benchRanks, "ranks", 0, "Number of in-process ranks (overrides config)")
	benchCmd.Flags().IntVar(&benchCells, "cells", 0, "Cells per rank (overrides config)")
	benchCmd.Flags().IntVar(&benchRows, "rows", 0, "Values per cell (overrides config)")
	benchCmd.Flags().IntVar(&benchIterations, "iterations", 0, "Exchange iterations (overrides config)")
	benchCmd.Flags().Uint32Var(&benchMaxRecvBytes, "max-recv-bytes", 0, "Receive scratch cap in bytes, 0 = unbounded")
	benchCmd.Flags().BoolVar(&benchUseRma, "use-rma", false, "Use the one-sided count exchange")
	benchCmd.Flags().BoolVar(&benchUseS2S, "use-some-to-some", false, "Pre-flag peers and use the sparse count exchange")
	benchCmd.Flags().BoolVar(&benchRankOrder, "rank-order", false, "Require rank-ordered receive completion")

	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyBenchFlags(cmd, cfg)

	ctx := context.Background()
	shutdown, err := telemetry.Init(ctx)
	if err != nil {
		logger.Warn("telemetry disabled: %v", err)
	} else {
		defer shutdown(ctx)
	}

	logger.Info("bench: ranks=%d cells=%d rows=%d iterations=%d rma=%v s2s=%v rankOrder=%v maxRecv=%d",
		cfg.Bench.Ranks, cfg.Bench.CellsPerRank, cfg.Bench.Rows, cfg.Bench.Iterations,
		cfg.Bench.UseRma, cfg.Bench.UseSomeToSome, cfg.Bench.RequireRankOrder, cfg.Bench.MaxRecvBytes)

	if cfg.Transport.Type == "ws" {
		return runBenchWs(ctx, cfg)
	}

	return local.Run(cfg.Bench.Ranks, func(c comm.Comm) error {
		return benchRank(ctx, c, cfg)
	})
}

// runBenchWs runs this process as one rank of a WebSocket mesh; the other
// ranks are separate processes started with the same peer list.
func runBenchWs(ctx context.Context, cfg *config.Config) error {
	var compressor compression.Compressor
	if cfg.Transport.Compress {
		compressor = compression.Default()
	}

	node, err := wsnet.NewNode(wsnet.Config{
		Rank:       cfg.Transport.Rank,
		Peers:      cfg.Transport.Peers,
		Compressor: compressor,
		Registerer: prometheus.DefaultRegisterer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer node.Close()

	return benchRank(ctx, node, cfg)
}

func applyBenchFlags(cmd *cobra.Command, cfg *config.Config) {
	if benchRanks > 0 {
		cfg.Bench.Ranks = benchRanks
	}
	if benchCells > 0 {
		cfg.Bench.CellsPerRank = benchCells
	}
	if benchRows > 0 {
		cfg.Bench.Rows = benchRows
	}
	if benchIterations > 0 {
		cfg.Bench.Iterations = benchIterations
	}
	if cmd.Flags().Changed("max-recv-bytes") {
		cfg.Bench.MaxRecvBytes = benchMaxRecvBytes
	}
	if cmd.Flags().Changed("use-rma") {
		cfg.Bench.UseRma = benchUseRma
	}
	if cmd.Flags().Changed("use-some-to-some") {
		cfg.Bench.UseSomeToSome = benchUseS2S
	}
	if cmd.Flags().Changed("rank-order") {
		cfg.Bench.RequireRankOrder = benchRankOrder
	}
}

// benchRank is one rank's share of the benchmark: build a halo token to the
// ring neighbors, then drive iterated row-wise Get/Put exchanges.
func benchRank(ctx context.Context, c comm.Comm, cfg *config.Config) error {
	size := c.Size()
	rank := c.Rank()
	cells := cfg.Bench.CellsPerRank
	rows := cfg.Bench.Rows

	halo := cells / 4
	if halo < 1 {
		halo = 1
	}

	timer := utils.NewTimer(fmt.Sprintf("bench rank %d", rank), utils.WithLogger(logger))

	build := timer.Start("token build")

	builder := comm.FromComm(c)
	if err := builder.SetNumCells(uint32(cells)); err != nil {
		return err
	}
	builder.RequireRankOrderRequestCompletion(cfg.Bench.RequireRankOrder)
	if cfg.Bench.MaxRecvBytes > 0 {
		builder.SetMaxGsReceiveSize(cfg.Bench.MaxRecvBytes)
	}

	var rma *comm.RmaAllToAll
	if cfg.Bench.UseRma {
		var err error
		rma, err = comm.NewRmaAllToAll(c, 1)
		if err != nil {
			return err
		}
		defer rma.Close()
		if err := builder.UseRmaAllToAll(rma); err != nil {
			return err
		}
	}

	// The halo: the leading cells of both ring neighbors.
	next := (rank + 1) % size
	prev := (rank - 1 + size) % size

	var homeAddresses []cell.LocalIndex
	var awayGlobals []cell.OptionalGlobal
	slot := cell.LocalIndex(0)
	for _, peer := range []int{prev, next} {
		if peer == rank {
			continue
		}
		for k := 0; k < halo; k++ {
			homeAddresses = append(homeAddresses, slot)
			awayGlobals = append(awayGlobals, cell.SomeGlobal(cell.GlobalIndex(peer*cells+k)))
			slot++
		}
	}

	if cfg.Bench.UseSomeToSome {
		toPEs := make([]int, size)
		if err := builder.FlagPes(awayGlobals, toPEs); err != nil {
			return err
		}
		if err := builder.SetToPes(ctx, toPEs); err != nil {
			return err
		}
	}

	token, err := builder.BuildGlobal(ctx, homeAddresses, awayGlobals)
	if err != nil {
		return err
	}
	build.Stop()

	input := view.NewMatrix[float64](cells, rows)
	for i := 0; i < cells; i++ {
		for j := 0; j < rows; j++ {
			input.Set(i, j, float64(rank*cells+i)+float64(j)*0.001)
		}
	}
	output := view.NewMatrix[float64](token.MinGatherSize(), rows)

	exchange := timer.Start("exchanges")
	for iter := 0; iter < cfg.Bench.Iterations; iter++ {
		if err := comm.GetV(ctx, token, comm.OpCopy, input, output); err != nil {
			return err
		}
		if err := comm.PutV(ctx, token, comm.OpAdd, output, input); err != nil {
			return err
		}
	}
	exchange.Stop()

	if rank == 0 {
		timer.PrintSummary()
	}
	return nil
}
