package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zot/scholar-hub/internal/messenger"
)

// RoomCmd prints derived chat room keys, for wiring clients and debugging
// pub/sub topics.
var RoomCmd = &cobra.Command{
	Use:   "room",
	Short: "Print chat room keys",
}

var roomCourseCmd = &cobra.Command{
	Use:   "course COURSE-ID",
	Short: "Print the room key of a course chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room, err := messenger.CourseRoom(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), room)
		return nil
	},
}

var roomDirectCmd = &cobra.Command{
	Use:   "direct USER-A USER-B",
	Short: "Print the room key of a direct chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		room, err := messenger.DirectRoom(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), room)
		return nil
	},
}

func init() {
	RoomCmd.AddCommand(roomCourseCmd, roomDirectCmd)
}
