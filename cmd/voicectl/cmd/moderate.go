package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var reason string

func moderate(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var out struct {
			Sessions int `json:"sessions"`
		}
		path := fmt.Sprintf("/api/users/%s/%s", url.PathEscape(args[0]), action)
		if err := call(http.MethodPost, path, map[string]string{"reason": reason}, &out); err != nil {
			return err
		}
		fmt.Printf("%s: %d session(s) disconnected\n", action, out.Sessions)
		return nil
	}
}

var kickCmd = &cobra.Command{
	Use:   "kick <user>",
	Short: "Disconnects every session of a user",
	Args:  cobra.ExactArgs(1),
	RunE:  moderate("kick"),
}

var banCmd = &cobra.Command{
	Use:   "ban <user>",
	Short: "Disconnects a user and refuses later joins",
	Args:  cobra.ExactArgs(1),
	RunE:  moderate("ban"),
}

func init() {
	kickCmd.Flags().StringVar(&reason, "reason", "", "reason shown to the user")
	banCmd.Flags().StringVar(&reason, "reason", "", "reason shown to the user")
	rootCmd.AddCommand(kickCmd, banCmd)
}
