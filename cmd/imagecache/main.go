package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

func main() {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "main",
	})

	err := NewRootCommand().Execute()
	if err != nil {
		logger.Debugf("%+v", err)
		os.Exit(1)
	}
}
