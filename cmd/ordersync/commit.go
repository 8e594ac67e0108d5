package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/ordersync/internal/sections"
	"github.com/spf13/cobra"
)

type commitFlags struct {
	order   string
	section string
	version int64
	summary string
	fields  []string
	payload string
	refetch bool
}

func newCommitCommand() *cobra.Command {
	flags := &commitFlags{}
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit one versioned section write",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommit(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.order, "order", "", "Order id")
	cmd.Flags().StringVar(&flags.section, "section", "", "Section name")
	cmd.Flags().Int64Var(&flags.version, "version", 0, "Section version the edit was based on")
	cmd.Flags().StringVar(&flags.summary, "summary", "", "Human readable change summary")
	cmd.Flags().StringSliceVar(&flags.fields, "fields", nil, "Changed field names")
	cmd.Flags().StringVar(&flags.payload, "payload", "", "Optional JSON section payload")
	cmd.Flags().BoolVar(&flags.refetch, "refetch", false, "Print the current section after a conflict")
	return cmd
}

type commitOutput struct {
	Conflict      bool                   `json:"conflict"`
	Failed        bool                   `json:"failed,omitempty"`
	NewVersion    int64                  `json:"new_version,omitempty"`
	ServerVersion int64                  `json:"server_version,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Current       *sections.SectionState `json:"current,omitempty"`
}

func runCommit(ctx context.Context, flags *commitFlags, out io.Writer) error {
	orderID, err := requireOrderID(flags.order)
	if err != nil {
		return err
	}
	var payload json.RawMessage
	if flags.payload != "" {
		if !json.Valid([]byte(flags.payload)) {
			return fmt.Errorf("--payload must be valid JSON")
		}
		payload = json.RawMessage(flags.payload)
	}

	runtime, err := openClientRuntime()
	if err != nil {
		return err
	}
	defer runtime.close()

	result, err := runtime.committer.Commit(ctx, sections.CommitRequest{
		OrderID:        orderID.String(),
		Section:        flags.section,
		ClientVersion:  flags.version,
		ChangesSummary: flags.summary,
		ChangedFields:  flags.fields,
		Payload:        payload,
	})
	if err != nil {
		return err
	}

	output := commitOutput{
		Conflict:      result.Conflict,
		Failed:        result.Failed,
		NewVersion:    result.NewVersion,
		ServerVersion: result.ServerVersion,
		Message:       result.Message,
	}
	if result.Conflict && flags.refetch {
		current, fetchErr := runtime.committer.Fetch(ctx, orderID.String(), flags.section)
		if fetchErr != nil {
			return fetchErr
		}
		output.Current = &current
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(output); err != nil {
		return err
	}
	if result.Failed {
		return fmt.Errorf("commit failed: %s", result.Message)
	}
	return nil
}
