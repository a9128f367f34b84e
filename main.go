package main

import "github.com/andresmejia3/biomatch/cmd"

func main() {
	cmd.Execute()
}
