package main

import "github.com/gitrepublic/gitd/cmd"

func main() {
	cmd.Execute()
}
