package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/disgoorg/snowflake/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/savesbot/savesbot/internal/savesbot/records"
	"github.com/savesbot/savesbot/internal/savesbot/replies"
	"github.com/savesbot/savesbot/internal/savesbot/roles"
)

func inspectCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:       "inspect users|guilds",
		Short:     "Print the records stored in users.json or guilds.json",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"users", "guilds"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd)
			switch args[0] {
			case "users":
				return inspectUsers(ctx, cmd.OutOrStdout(), dataDir)
			case "guilds":
				return inspectGuilds(ctx, cmd.OutOrStdout(), dataDir)
			}
			return fmt.Errorf("unknown document %q (want users or guilds)", args[0])
		},
	}
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", ".", "directory holding users.json and guilds.json")
	return cmd
}

func mergeCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Validate and rewrite both documents once, offline",
		Long: `Runs a single refresh against the data directory: both documents are
decoded, validated against their schemas and written back in canonical form.
Do not run this while the bot is running against the same directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := records.Open(dataDir, nil)
			took, err := store.Refresh(contextOrBackground(cmd))
			if err != nil {
				return fmt.Errorf("merge failed: %w", err)
			}
			users, guilds, err := store.Counts(contextOrBackground(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d user(s), %d guild(s) in %s\n",
				color.New(color.FgGreen).Sprint("merged"), users, guilds, took)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", ".", "directory holding users.json and guilds.json")
	return cmd
}

func loadDocument(ctx context.Context, dir, name string) ([]byte, error) {
	data, err := records.FileBackend{Path: filepath.Join(dir, name)}.Load(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func inspectUsers(ctx context.Context, w io.Writer, dir string) error {
	data, err := loadDocument(ctx, dir, records.UsersFile)
	if err != nil {
		return err
	}
	users, err := records.DecodeUsers(data)
	if err != nil {
		return err
	}
	for _, id := range sortedIDs(users) {
		saves := users[id].Saves
		mark := color.New(color.FgRed).Sprint("✗")
		if saves >= 1 {
			mark = color.New(color.FgGreen).Sprint("✓")
		}
		fmt.Fprintf(w, "%s %-20s %s/%d\n", mark, id, formatSaves(saves), replies.MaxUserSaves)
	}
	fmt.Fprintf(w, "%d user(s)\n", len(users))
	return nil
}

func inspectGuilds(ctx context.Context, w io.Writer, dir string) error {
	data, err := loadDocument(ctx, dir, records.GuildsFile)
	if err != nil {
		return err
	}
	guilds, err := records.DecodeGuilds(data)
	if err != nil {
		return err
	}
	for _, id := range sortedIDs(guilds) {
		rec := guilds[id]
		mark := color.New(color.FgYellow).Sprint("-")
		if roles.Eligible(0, rec.Saves) {
			mark = color.New(color.FgGreen).Sprint("✓")
		}
		role := color.New(color.FgYellow).Sprint("(no count role)")
		if r := rec.CountRole(); r != 0 {
			role = "role " + r.String()
		}
		fmt.Fprintf(w, "%s %-20s %s/%d  %s\n", mark, id, formatSaves(rec.Saves), replies.MaxGuildSaves, role)
	}
	fmt.Fprintf(w, "%d guild(s)\n", len(guilds))
	return nil
}

func sortedIDs[R any](m map[snowflake.ID]R) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func formatSaves(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
