package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	serverURL   string
	clientToken string
	stunURL     string

	// set while reading commands from the prompt
	interactive bool
)

const (
	serverURLKey = "server_url"
	tokenKey     = "token"
	stunKey      = "stun"
	verboseKey   = "verbose"
)

var rootCmd = &cobra.Command{
	Use:           "voicectl",
	Short:         "Inspect and join voice rooms",
	Long:          `voicectl talks to a voice server: it lists rooms, moderates users and joins a room as a listener.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.WarnLevel
		if viper.GetBool(verboseKey) {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)
	},
}

// Execute runs one command from the arguments, or reads commands from stdin
// when there are none.
func Execute() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) > 1 {
		if err := rootCmd.Execute(); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	interactive = true
	defer closeVoice()
	fmt.Println("entering interactive mode, type 'exit' to quit")
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print(prompt())
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" || (err != nil && line == "") {
			return
		}
		if line == "" {
			continue
		}
		args, perr := shellwords.Parse(line)
		if perr != nil {
			fmt.Fprintln(os.Stderr, "Error:", perr)
			continue
		}
		rootCmd.SetArgs(args)
		if err := rootCmd.Execute(); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
}

func prompt() string {
	if v := currentVoice(); v != nil {
		if ch := v.Streams().Channel(); ch != "" {
			return fmt.Sprintf("[%s] ❯ ", ch)
		}
	}
	return "❯ "
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.voicectl.yaml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "base URL of the voice server")
	rootCmd.PersistentFlags().String("token", "", "client token; a random one is used when empty")
	rootCmd.PersistentFlags().String("stun", "stun:stun.l.google.com:19302", "STUN server for the receive transport")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")

	_ = viper.BindPFlag(serverURLKey, rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag(tokenKey, rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag(stunKey, rootCmd.PersistentFlags().Lookup("stun"))
	_ = viper.BindPFlag(verboseKey, rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".voicectl")
	}

	viper.SetEnvPrefix("VOICECTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		}
	}

	serverURL = strings.TrimRight(viper.GetString(serverURLKey), "/")
	stunURL = viper.GetString(stunKey)
	if clientToken == "" || viper.GetString(tokenKey) != "" {
		clientToken = viper.GetString(tokenKey)
	}
	if clientToken == "" {
		clientToken = uuid.NewString()
	}
}
