package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anima-research/animachat/internal/profile"
	"github.com/anima-research/animachat/store/blob"
	"github.com/anima-research/animachat/store/eventlog"
)

var compactCmd = &cobra.Command{
	Use:   "compact [conversation-id]",
	Short: "Rewrite conversation logs without superseded events and oversized debug payloads",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := buildProfile()
		if err := p.Validate(); err != nil {
			return err
		}
		keepBackup, err := cmd.Flags().GetBool("keep-backup")
		if err != nil {
			return err
		}
		return runCompact(p, args, keepBackup)
	},
}

func init() {
	compactCmd.Flags().Bool("keep-backup", false, "keep the original log as <id>.jsonl.pre-compact.bak")
	_ = viper.BindPFlag("keep-backup", compactCmd.Flags().Lookup("keep-backup"))
}

func runCompact(p *profile.Profile, args []string, keepBackup bool) error {
	mgr, err := eventlog.Open(p.Data)
	if err != nil {
		return err
	}
	defer mgr.Close()

	blobs, err := blob.Open(p.Data + "/blobs")
	if err != nil {
		return err
	}

	opts := eventlog.CompactOptions{KeepBackup: keepBackup, Blobs: blobs}

	var res *eventlog.CompactResult
	if len(args) == 1 {
		res, err = mgr.CompactConversation(args[0], opts)
	} else {
		res, err = mgr.CompactAll(opts)
	}
	if err != nil {
		return err
	}

	printCompactResult(res)
	return nil
}

func printCompactResult(res *eventlog.CompactResult) {
	fmt.Printf("Events: %d -> %d\n", res.EventsBefore, res.EventsAfter)
	fmt.Printf("Bytes:  %d -> %d\n", res.BytesBefore, res.BytesAfter)
	for kind, n := range res.RemovedByKind {
		fmt.Printf("Removed %s: %d\n", kind, n)
	}
	if res.DebugStripped > 0 {
		fmt.Printf("Debug payloads dropped: %d\n", res.DebugStripped)
	}
	if res.DebugRelocated > 0 {
		fmt.Printf("Debug payloads moved to blobs: %d\n", res.DebugRelocated)
	}
}
