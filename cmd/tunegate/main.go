// Package main implements the tunegate CLI.
package main

func main() {
	Execute()
}
