package main

import "github.com/vibast-solutions/ms-go-billing/cmd"

func main() {
	cmd.Execute()
}
