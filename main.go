package main

import "taskblitz.com/taskblitz/cmd"

func main() {
	cmd.Execute()
}
