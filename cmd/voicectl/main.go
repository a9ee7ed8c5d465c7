package main

import "github.com/dkeye/voicerooms/cmd/voicectl/cmd"

func main() {
	cmd.Execute()
}
