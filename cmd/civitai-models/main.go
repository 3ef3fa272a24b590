package main

import (
	"go-civitai-models/cmd/civitai-models/cmd"
)

func main() {
	cmd.Execute()
}
