package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/parley/internal/state"
	"github.com/user/parley/internal/types"
)

func init() {
	rootCmd.AddCommand(roomCmd)
	roomCmd.AddCommand(roomListCmd, roomMuteCmd, roomUnmuteCmd)
}

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Manage rooms",
}

// findRoom resolves a room by ID or by key.
func findRoom(ctx context.Context, rooms *state.RoomStore, ref string) (*types.Room, error) {
	list, err := rooms.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	for _, r := range list {
		if string(r.ID) == ref || string(r.Key) == ref {
			return r, nil
		}
	}
	return nil, fmt.Errorf("room not found: %s", ref)
}

var roomListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rooms",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		rooms := state.NewRoomStore(cfg.DataDir)
		events := state.NewEventStore(cfg.DataDir)

		ctx := context.Background()
		list, err := rooms.List(ctx)
		if err != nil {
			return fmt.Errorf("list rooms: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No rooms found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tCHANNEL\tMUTED\tEVENTS\tCREATED")
		for _, r := range list {
			count, err := events.Count(ctx, r.ID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\t%s\n",
				r.ID,
				r.Key,
				r.ChannelType,
				r.Muted,
				count,
				r.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

func setMuted(ref string, muted bool) error {
	cfg := loadConfig()
	rooms := state.NewRoomStore(cfg.DataDir)

	ctx := context.Background()
	room, err := findRoom(ctx, rooms, ref)
	if err != nil {
		return err
	}
	room.Muted = muted
	if err := rooms.Update(ctx, room); err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	return nil
}

var roomMuteCmd = &cobra.Command{
	Use:   "mute <id|key>",
	Short: "Stop the agent from answering in a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setMuted(args[0], true); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Room %s muted.\n", args[0])
		return nil
	},
}

var roomUnmuteCmd = &cobra.Command{
	Use:   "unmute <id|key>",
	Short: "Let the agent answer in a room again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setMuted(args[0], false); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Room %s unmuted.\n", args[0])
		return nil
	},
}
