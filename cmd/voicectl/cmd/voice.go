package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/dkeye/voicerooms/internal/client"
	"github.com/dkeye/voicerooms/internal/domain"
	"github.com/dkeye/voicerooms/internal/mix"
)

var errNotJoined = errors.New("not in a voice room, use join first")

var (
	voiceMu  sync.Mutex
	voice    *client.Client
	receiver *client.PionReceiver

	joinName   string
	resetStats bool
)

func currentVoice() *client.Client {
	voiceMu.Lock()
	defer voiceMu.Unlock()
	return voice
}

func currentReceiver() *client.PionReceiver {
	voiceMu.Lock()
	defer voiceMu.Unlock()
	return receiver
}

func closeVoice() {
	voiceMu.Lock()
	defer voiceMu.Unlock()
	if voice != nil {
		voice.Close()
		voice, receiver = nil, nil
	}
}

// connect dials the signalling socket once and reuses it for later commands.
func connect(ctx context.Context) (*client.Client, error) {
	voiceMu.Lock()
	defer voiceMu.Unlock()
	if voice != nil {
		select {
		case <-voice.Done():
			voice, receiver = nil, nil
		default:
			return voice, nil
		}
	}

	var ice []webrtc.ICEServer
	if stunURL != "" {
		ice = []webrtc.ICEServer{{URLs: []string{stunURL}}}
	}
	recv, err := client.NewPionReceiver(ice)
	if err != nil {
		return nil, err
	}
	c, err := client.Dial(ctx, client.Options{
		URL:         signalURL(),
		Token:       clientToken,
		AutoConsume: true,
		Receiver:    recv,
	})
	if err != nil {
		_ = recv.Close()
		return nil, err
	}
	voice, receiver = c, recv
	if interactive {
		go printNotifications(c)
	}
	return c, nil
}

func printNotifications(c *client.Client) {
	for n := range c.Notifications() {
		switch n.Type {
		case "new_producer", "producer_closed", "participant_left", "room_closed",
			"member_joined", "member_updated", "left", "kicked", "banned":
			var m map[string]any
			_ = json.Unmarshal(n.Raw, &m)
			delete(m, "type")
			delete(m, "rtpCapabilities")
			fmt.Printf("\n* %s %v\n%s", n.Type, m, prompt())
		}
	}
}

var joinCmd = &cobra.Command{
	Use:   "join <channel>",
	Short: "Joins a voice room and listens to every stream in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, err := domain.ParseChannelID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		c, err := connect(ctx)
		if err != nil {
			return err
		}
		j, err := c.Join(ctx, channel, joinName)
		if err != nil {
			return err
		}
		fmt.Printf("joined %s as %s, %d participant(s)\n", j.Channel, c.Self(), len(j.Snapshot.Participants))
		if interactive {
			return nil
		}

		// one-shot: stay in the room until interrupted
		sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go printNotifications(c)
		select {
		case <-sigCtx.Done():
		case <-c.Done():
		}
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), requestTimeout)
		defer leaveCancel()
		_ = c.Leave(leaveCtx)
		closeVoice()
		return nil
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "Leaves the current voice room",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := currentVoice()
		if c == nil {
			return errNotJoined
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return c.Leave(ctx)
	},
}

var streamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "Lists the streams being received",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := currentVoice()
		if c == nil {
			return errNotJoined
		}
		recv := currentReceiver()
		table := tablewriter.NewWriter(os.Stdout)
		table.SetAutoWrapText(false)
		table.SetHeader([]string{"User", "Kind", "Consumer", "Volume", "Received", "Packets"})
		for _, ref := range c.Streams().Refs() {
			consumerID, _ := c.Streams().Consumer(ref)
			volume := "-"
			if ref.Kind == domain.StreamAudio {
				volume = strconv.Itoa(c.Mix.GetVolume(mix.UserKey(ref.UserID)))
			}
			received, packets := "-", "-"
			if recv != nil {
				if sink, ok := recv.Sink(consumerID); ok {
					received = humanize.Bytes(sink.Bytes())
					packets = humanize.Comma(int64(sink.Packets()))
				}
			}
			table.Append([]string{string(ref.UserID), string(ref.Kind), consumerID, volume, received, packets})
		}
		table.Render()
		return nil
	},
}

var volCmd = &cobra.Command{
	Use:   "vol <user> <0-100>",
	Short: "Sets the playback volume of a participant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := currentVoice()
		if c == nil {
			return errNotJoined
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("volume must be a number: %w", err)
		}
		got := c.Mix.SetVolume(mix.UserKey(domain.UserID(args[0])), v)
		fmt.Printf("%s volume %d\n", args[0], got)
		return nil
	},
}

var muteCmd = &cobra.Command{
	Use:   "mute <user>",
	Short: "Mutes a participant, or unmutes one already muted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := currentVoice()
		if c == nil {
			return errNotJoined
		}
		key := mix.UserKey(domain.UserID(args[0]))
		if v := c.Mix.ToggleMute(key); v == 0 {
			fmt.Printf("%s muted\n", args[0])
		} else {
			fmt.Printf("%s unmuted at %d\n", args[0], v)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Shows the transport counters of this session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := currentVoice()
		if c == nil {
			return errNotJoined
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		d, err := c.Stats(ctx, resetStats)
		// flags keep their value between prompt lines
		resetStats = false
		if err != nil {
			return err
		}
		fmt.Printf("monitoring: %v\n", d.IsMonitoring)
		fmt.Printf("sent:       %s (+%s)\n", humanize.Bytes(d.TotalBytesSent), humanize.Bytes(d.BytesSentDelta))
		fmt.Printf("received:   %s (+%s)\n", humanize.Bytes(d.TotalBytesReceived), humanize.Bytes(d.BytesReceivedDelta))
		if d.Consumer != nil {
			fmt.Printf("lost:       %d packets, jitter %.3f, rtt %.1f ms\n", d.Consumer.PacketsLost, d.Consumer.Jitter, d.Consumer.RTT)
		}
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measures the signalling round trip",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		rtt, err := c.Ping(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pong in %s\n", rtt)
		return nil
	},
}

func init() {
	joinCmd.Flags().StringVar(&joinName, "name", "", "display name in the room")
	statsCmd.Flags().BoolVar(&resetStats, "reset", false, "reset the totals after reading them")
	rootCmd.AddCommand(joinCmd, leaveCmd, streamsCmd, volCmd, muteCmd, statsCmd, pingCmd)
}
