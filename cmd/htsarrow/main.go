package main

import "github.com/polarsignals/htsarrow/cmd/htsarrow/cmd"

func main() {
	cmd.Execute()
}
