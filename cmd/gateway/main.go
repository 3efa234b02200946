package main

import "companion-gateway/internal/app/cmd"

func main() {
	cmd.Execute()
}
