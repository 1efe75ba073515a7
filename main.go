/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "ifrelay/cmd"

func main() {
	cmd.Execute()
}
