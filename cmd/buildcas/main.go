package main

import "github.com/aweris/buildcas/cmd/buildcas/cmd"

func main() {
	cmd.Execute()
}
