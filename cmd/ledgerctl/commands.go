package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"ledger-service/internal/domain"

	"github.com/spf13/cobra"
)

func withBackend(cmd *cobra.Command, opts *RootOptions, connect Connector, fn func(ctx context.Context, b Backend) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	b, closeFn, err := connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer closeFn()
	return fn(ctx, b)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type verifyOptions struct {
	chain       string
	from        int64
	to          int64
	competition string
}

func NewVerifyCommand(rootOpts *RootOptions, connect Connector) *cobra.Command {
	opts := &verifyOptions{}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the ledger chains and report every discrepancy",
		Long: `Walk the event chain, the draw audit chain, or both in sequence order,
recomputing each hash. The report is printed as JSON; the command exits 1
when any chain is invalid.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			for _, c := range domain.ValidChains() {
				if c == opts.chain {
					return nil
				}
			}
			return fmt.Errorf("invalid chain %q: must be one of %v", opts.chain, domain.ValidChains())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := domain.VerifyScope{
				Chain:        opts.chain,
				FromSequence: opts.from,
				ToSequence:   opts.to,
			}
			if opts.competition != "" {
				scope.CompetitionID = &opts.competition
			}

			return withBackend(cmd, rootOpts, connect, func(ctx context.Context, b Backend) error {
				report, err := b.Verify(ctx, scope)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.IsValid {
					return errChainInvalid
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.chain, "chain", domain.ChainAll, fmt.Sprintf("chain to verify %v", domain.ValidChains()))
	cmd.Flags().Int64Var(&opts.from, "from", 0, "first sequence to verify")
	cmd.Flags().Int64Var(&opts.to, "to", 0, "last sequence to verify (0 = head)")
	cmd.Flags().StringVar(&opts.competition, "competition", "", "only check records of this competition")

	return cmd
}

func NewBacklogCommand(rootOpts *RootOptions, connect Connector) *cobra.Command {
	var (
		threshold time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:           "backlog",
		Short:         "List events still waiting for their chain link",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, rootOpts, connect, func(ctx context.Context, b Backend) error {
				events, err := b.StaleUnchained(ctx, threshold, limit)
				if err != nil {
					return err
				}

				handles := make([]domain.EventHandle, 0, len(events))
				for i := range events {
					handles = append(handles, events[i].Handle())
				}
				return writeJSON(cmd.OutOrStdout(), handles)
			})
		},
	}

	cmd.Flags().DurationVar(&threshold, "older-than", time.Minute, "only events unchained for at least this long")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events to list")

	return cmd
}

func NewProcessCommand(rootOpts *RootOptions, connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:           "process <event-id>",
		Short:         "Chain an event, and every unchained event before it, synchronously",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, rootOpts, connect, func(ctx context.Context, b Backend) error {
				if err := b.Process(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "chained through %s\n", args[0])
				return nil
			})
		},
	}
}
