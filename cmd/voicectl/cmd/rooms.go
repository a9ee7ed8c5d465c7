package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dkeye/voicerooms/internal/core"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Lists live voice rooms",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var rooms []core.RoomInfo
		if err := call(http.MethodGet, "/api/rooms", nil, &rooms); err != nil {
			return err
		}
		if len(rooms) == 0 {
			fmt.Println("No live rooms.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetAutoWrapText(false)
		table.SetHeader([]string{"Channel", "Members"})
		for _, r := range rooms {
			table.Append([]string{string(r.ChannelID), strconv.Itoa(r.MemberCount)})
		}
		table.Render()
		return nil
	},
}

var roomCmd = &cobra.Command{
	Use:   "room <channel>",
	Short: "Shows the participants of one room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var snap core.RoomSnapshot
		if err := call(http.MethodGet, "/api/rooms/"+url.PathEscape(args[0]), nil, &snap); err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetRowLine(true)
		table.SetAutoWrapText(false)
		table.SetHeader([]string{"User", "Name", "State", "Streams", "Joined"})
		for _, p := range snap.Participants {
			kinds := make([]string, 0, len(p.Producers))
			for _, k := range p.Producers {
				kinds = append(kinds, string(k))
			}
			table.Append([]string{
				string(p.UserID),
				p.Username,
				p.State,
				strings.Join(kinds, ","),
				humanize.Time(p.JoinedAt),
			})
		}
		table.Render()
		return nil
	},
}

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Announces channel lifecycle changes to the voice server",
}

var channelCreateCmd = &cobra.Command{
	Use:   "create <channel>",
	Short: "Opens the voice room of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var info core.RoomInfo
		if err := call(http.MethodPost, "/api/channels/"+url.PathEscape(args[0]), nil, &info); err != nil {
			return err
		}
		fmt.Printf("room %s is open (%d members)\n", info.ChannelID, info.MemberCount)
		return nil
	},
}

var channelDeleteCmd = &cobra.Command{
	Use:   "delete <channel>",
	Short: "Tears down the voice room of a deleted channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(http.MethodDelete, "/api/channels/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Printf("room %s closed\n", args[0])
		return nil
	},
}

func init() {
	channelCmd.AddCommand(channelCreateCmd, channelDeleteCmd)
	rootCmd.AddCommand(roomsCmd, roomCmd, channelCmd)
}
