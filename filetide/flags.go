package main

import (
	"flag"
	"fmt"
)

var (
	deploymentMode int
	filesDir       string
	logDir         string
	httpPort       int
	hostname       string
	configDir      string
)

func init() {
	flag.IntVar(&deploymentMode, "deployment_mode", 2, "deployment mode: 0=dev, 1=staging, 2=production")
	flag.StringVar(&filesDir, "files_dir", "", "files_dir")
	flag.StringVar(&logDir, "log_dir", "./logs", "log_dir")
	flag.IntVar(&httpPort, "port", 5050, "port")
	flag.StringVar(&hostname, "hostname", "localhost", "hostname")
	flag.StringVar(&configDir, "config_dir", "./config", "config_dir")
}

func parseFlags() {
	fmt.Print("[1/6] load flags")
	flag.Parse()

	if filesDir == "" {
		panic("Please specify --files_dir absolute folder name option where uploaded files can be stored")
	}

	fmt.Print("	[OK]\n")
}
