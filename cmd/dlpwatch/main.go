// Command dlpwatch is an endpoint data loss prevention agent. It watches
// local directories, classifies changed files and reports sensitive-data
// findings to a central server.
package main

import "github.com/ppiankov/dlpwatch/internal/cli"

func main() {
	cli.Execute()
}
