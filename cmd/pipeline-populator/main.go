package main

import "github.com/vitebski/pipeline-populator/pkg/pipeline"

func main() {
	pipeline.Main(nil)
}
