package main

import "github.com/Frandy/ros-vslam/cmd/vslam/cmd"

func main() {
	cmd.Execute()
}
